package fsutil

import "strings"

const maxNameLen = 96

// SafeName turns an identifier read from input data (a CBSA id, a scheme
// name) into a single path component. Runs of characters outside
// [A-Za-z0-9._-] collapse to one underscore; leading dots and underscores
// are trimmed so the result can never be "..". Empty results become
// "unknown".
func SafeName(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
