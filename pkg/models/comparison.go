package models

import (
	"fmt"
	"strings"
)

// BuildComparisonTable renders a Markdown method-comparison table over the
// papers that carry a structured contribution. Returns "" when no paper
// qualifies. Row numbering follows the papers' citation index order.
func BuildComparisonTable(papers []Paper) string {
	var rows []string
	for i, p := range papers {
		sc := p.Structured
		if sc == nil {
			continue
		}
		rows = append(rows, fmt.Sprintf("| %d | %s | %s | %s | %s | %s |",
			i+1,
			truncateCell(p.Title, 40),
			orDash(sc.Method),
			orDash(sc.Dataset),
			orDash(sc.Baseline),
			orDash(sc.Results),
		))
	}
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("| # | Paper | Method | Dataset | Baseline | Results |\n")
	b.WriteString("|---|-------|--------|---------|----------|---------|\n")
	b.WriteString(strings.Join(rows, "\n"))
	return b.String()
}

func truncateCell(s string, limit int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}

func orDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	// keep table cells on one line
	return strings.ReplaceAll(s, "\n", " ")
}
