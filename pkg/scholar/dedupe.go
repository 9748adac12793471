package scholar

import (
	"strings"
	"unicode"

	"github.com/autoscholar/scholard/pkg/models"
)

// NormalizeTitle lowercases a title, keeps only letters, digits and spaces,
// and collapses runs of whitespace. Used for cross-source duplicate
// detection.
func NormalizeTitle(title string) string {
	lower := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Deduplicate drops papers with repeated IDs, then collapses normalized-title
// collisions. On a title collision a Semantic Scholar record replaces a
// previously kept arXiv or PubMed record (its metadata is richer); otherwise
// the first-seen record wins. Idempotent.
func Deduplicate(papers []models.Paper) []models.Paper {
	seenIDs := map[string]bool{}
	byTitle := map[string]models.Paper{}
	var result []models.Paper

	for _, paper := range papers {
		if seenIDs[paper.PaperID] {
			continue
		}
		seenIDs[paper.PaperID] = true

		title := NormalizeTitle(paper.Title)
		if existing, ok := byTitle[title]; ok {
			if paper.Source == models.SourceSemanticScholar && existing.Source != models.SourceSemanticScholar {
				byTitle[title] = paper
				kept := result[:0]
				for _, p := range result {
					if p.PaperID != existing.PaperID {
						kept = append(kept, p)
					}
				}
				result = append(kept, paper)
			}
			continue
		}

		byTitle[title] = paper
		result = append(result, paper)
	}

	return result
}
