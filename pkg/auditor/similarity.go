package auditor

import (
	"strings"

	"github.com/agext/levenshtein"
)

// DuplicateThreshold is the normalized similarity at or above which two
// node names are considered the same concept.
const DuplicateThreshold = 0.8

var articles = map[string]bool{"the": true, "a": true, "an": true}

// normalizeName lowercases, drops leading articles, and strips
// non-alphanumerics so "The Avengers" and "avengers" compare equal.
func normalizeName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	for len(fields) > 0 && articles[fields[0]] {
		fields = fields[1:]
	}
	var sb strings.Builder
	for _, f := range fields {
		for _, r := range f {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}

// Similarity scores two node names in [0,1] after normalization.
func Similarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return levenshtein.Similarity(na, nb, levenshtein.NewParams())
}

// IsDuplicate reports whether two names clear the duplicate threshold.
func IsDuplicate(a, b string) bool {
	return Similarity(a, b) >= DuplicateThreshold
}
