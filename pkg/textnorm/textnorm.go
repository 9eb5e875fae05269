// Package textnorm canonicalises drug, substance and condition names so that
// full-width and half-width spellings compare equal.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Name applies NFKC and trims surrounding whitespace
func Name(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// Names normalises every entry and drops the ones left empty. A nil input
// stays nil so that "unknown" survives normalisation.
func Names(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = Name(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Ptr normalises an optional value. Values that normalise to empty become nil.
func Ptr(s *string) *string {
	if s == nil {
		return nil
	}
	v := Name(*s)
	if v == "" {
		return nil
	}
	return &v
}
