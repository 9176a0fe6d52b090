package registry

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeTrigger maps equivalent spellings of a trigger to one
// identifier: NFC normalised, case folded, inner whitespace collapsed to
// a single space and trimmed.
func NormalizeTrigger(s string) string {
	s = norm.NFC.String(s)
	// A Caser is stateful and not safe for concurrent use.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeTriggers normalises, drops empties and reports the first
// duplicate (after normalisation), preserving first-seen order.
func NormalizeTriggers(in []string) (out []string, duplicate string) {
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		t := NormalizeTrigger(raw)
		if t == "" {
			continue
		}
		if seen[t] {
			if duplicate == "" {
				duplicate = t
			}
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, duplicate
}
