package workflow

import (
	"fmt"
	"strings"

	"github.com/autoscholar/scholard/pkg/models"
)

// buildPaperContext renders the numbered paper list injected into writer and
// outline prompts. The position of each paper (1-based) is the citation index
// the model must use, so the input order must match the citation index space.
func buildPaperContext(papers []models.Paper) string {
	blocks := make([]string, 0, len(papers))
	for i, p := range papers {
		var b strings.Builder

		year := "N/A"
		if p.Year > 0 {
			year = fmt.Sprintf("%d", p.Year)
		}
		fmt.Fprintf(&b, "[%d] %s (Year: %s)\n", i+1, p.Title, year)

		authors := p.Authors
		ellipsis := ""
		if len(authors) > 3 {
			authors = authors[:3]
			ellipsis = "..."
		}
		fmt.Fprintf(&b, "    Authors: %s%s\n", strings.Join(authors, ", "), ellipsis)
		fmt.Fprintf(&b, "    Contribution: %s", p.CoreContribution)

		if sc := p.Structured; sc != nil {
			appendField(&b, "Problem", sc.Problem)
			appendField(&b, "Method", sc.Method)
			appendField(&b, "Novelty", sc.Novelty)
			appendField(&b, "Dataset", sc.Dataset)
			appendField(&b, "Baseline", sc.Baseline)
			appendField(&b, "Results", sc.Results)
			appendField(&b, "Limitations", sc.Limitations)
			appendField(&b, "Future Work", sc.FutureWork)
		} else if p.Abstract != "" {
			appendField(&b, "Abstract", truncateWithEllipsis(p.Abstract, 200))
		}

		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

func appendField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "\n    %s: %s", label, value)
}

// buildConversationContext renders the most recent turns of the thread's
// conversation for revision and follow-up prompts. maxTurns counts
// user/assistant pairs, so the window is the last 2*maxTurns messages.
func buildConversationContext(messages []models.ConversationMessage, maxTurns int) string {
	if len(messages) == 0 {
		return ""
	}
	window := maxTurns * 2
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}

	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		label := "Assistant"
		if msg.Role == models.RoleUser {
			label = "User"
		}
		lines = append(lines, label+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// truncateWithEllipsis shortens s to max runes, marking the cut with "...".
func truncateWithEllipsis(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// truncateRunes shortens s to max runes with no marker.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
