// Package verify implements the deterministic answer check for exercises
// whose correct answer is a closed set of component labels (R1, R2, ...).
// The language model is never consulted here; grading is an exact set
// comparison with no missing labels and no extras.
package verify

import (
	"regexp"
	"strings"
)

// labelRe matches a component label: one letter followed by digits.
var labelRe = regexp.MustCompile(`[A-Za-z][0-9]+`)

// ExtractLabels returns the distinct component labels found in free text,
// uppercase-normalized, in order of first appearance.
func ExtractLabels(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range labelRe.FindAllString(text, -1) {
		label := strings.ToUpper(m)
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}

// IsCorrect reports whether the student's free text names exactly the
// canonical answer set: every canonical label present and no extra labels.
// It returns false when the canonical set is empty (exercise not configured
// for deterministic grading) or when the text contains no labels at all.
func IsCorrect(studentText string, canonical []string) bool {
	want := make(map[string]bool)
	for _, label := range canonical {
		label = strings.ToUpper(strings.TrimSpace(label))
		if label != "" {
			want[label] = true
		}
	}
	if len(want) == 0 {
		return false
	}

	got := ExtractLabels(studentText)
	if len(got) != len(want) {
		return false
	}
	for _, label := range got {
		if !want[label] {
			return false
		}
	}
	return true
}
