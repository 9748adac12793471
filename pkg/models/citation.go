package models

import (
	"fmt"
	"regexp"
	"strconv"
)

// citePattern matches the {cite:N} markers the writer emits. The adapter
// layer rewrites them to [N] before drafts leave the API.
var citePattern = regexp.MustCompile(`\{cite:(\d+)\}`)

// ExtractCitationIndices returns every citation index in text, in order of
// appearance, duplicates included.
func ExtractCitationIndices(text string) []int {
	matches := citePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// RewriteCitations converts {cite:N} markers to [N] bracket references.
// Markers whose index falls outside [1, maxIndex] are removed from the text;
// the removed indices are returned so the caller can log them.
func RewriteCitations(text string, maxIndex int) (string, []int) {
	var dropped []int
	rewritten := citePattern.ReplaceAllStringFunc(text, func(marker string) string {
		idx, _ := strconv.Atoi(citePattern.FindStringSubmatch(marker)[1])
		if idx < 1 || idx > maxIndex {
			dropped = append(dropped, idx)
			return ""
		}
		return fmt.Sprintf("[%d]", idx)
	})
	return rewritten, dropped
}
