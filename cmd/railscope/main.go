// Package main provides the entry point for the railscope CLI.
package main

import (
	"fmt"
	"os"

	"github.com/railscope/railscope/cmd/railscope/cmd"
	railerr "github.com/railscope/railscope/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "railscope:", err)
		os.Exit(railerr.KindOf(err).ExitCode())
	}
}
