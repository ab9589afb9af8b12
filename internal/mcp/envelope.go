package mcp

import (
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/store"
)

// Response is the uniform tool envelope. Tool handlers never return a
// protocol-level error for domain failures; the envelope carries the error
// kind so clients can branch without parsing messages.
type Response[T any] struct {
	OK        bool   `json:"ok"`
	Result    T      `json:"result,omitempty" jsonschema:"tool result, present when ok"`
	Error     string `json:"error,omitempty" jsonschema:"error message, present when not ok"`
	ErrorType string `json:"error_type,omitempty" jsonschema:"error kind: validation, not_found, degraded, circuit_open, cancelled, lock_contention, cooldown, transient, corruption, internal"`
}

func succeed[T any](v T) Response[T] {
	return Response[T]{OK: true, Result: v}
}

func fail[T any](err error) Response[T] {
	return Response[T]{
		Error:     err.Error(),
		ErrorType: railerr.KindOf(err).String(),
	}
}

// Ack is the result body for tools that only record something.
type Ack struct {
	Recorded bool `json:"recorded"`
}

// normalizeFilters converts JSON-decoded filter values into the store's
// accepted shapes. Arrays arrive as []any and must hold only strings.
func normalizeFilters(raw map[string]any) (store.Filters, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(store.Filters, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			out[key] = v
		case []any:
			set := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, railerr.Newf(railerr.KindValidation, "mcp.filters",
						"filter %q: non-string value in set", key)
				}
				set = append(set, s)
			}
			out[key] = set
		case []string:
			out[key] = v
		default:
			return nil, railerr.Newf(railerr.KindValidation, "mcp.filters",
				"filter %q: unsupported value type %T", key, value)
		}
	}
	if err := store.ValidateFilters(out); err != nil {
		return nil, err
	}
	return out, nil
}
