package unit

import "strings"

// Unit identifiers allow alphanumerics plus "::", ":", "_", and "#".
// Reserved characters are percent-encoded when mapped to filenames.

// ValidIdentifier reports whether id uses only the permitted charset.
func ValidIdentifier(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ':' || r == '_' || r == '#':
		default:
			return false
		}
	}
	return true
}

// fileEscapes maps identifier characters that are unsafe in filenames.
var fileEscapes = strings.NewReplacer(
	":", "%3A",
	"#", "%23",
)

var fileUnescapes = strings.NewReplacer(
	"%3A", ":",
	"%23", "#",
)

// FileNameFor returns the on-disk file name for an identifier, with reserved
// characters percent-encoded.
func FileNameFor(id string) string {
	return fileEscapes.Replace(id) + ".json"
}

// IdentifierFromFileName inverts FileNameFor. The second return is false when
// name is not a unit file.
func IdentifierFromFileName(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok || base == "" || strings.HasPrefix(base, "_") {
		return "", false
	}
	return fileUnescapes.Replace(base), true
}
