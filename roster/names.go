package roster

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// MatchKey reduces a name or course label to its comparison form:
// NFC-normalized, case-folded, internal whitespace collapsed.
// "  Ravi   KUMAR " and "ravi kumar" share a MatchKey.
func MatchKey(s string) string {
	s = norm.NFC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// SameLabel reports whether two labels match case/whitespace-insensitively.
func SameLabel(a, b string) bool {
	return MatchKey(a) == MatchKey(b)
}
