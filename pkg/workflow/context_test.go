package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/models"
)

func TestBuildPaperContext(t *testing.T) {
	t.Run("numbered blocks with structured fields", func(t *testing.T) {
		papers := []models.Paper{
			{
				Title:            "Sparse Attention at Scale",
				Authors:          []string{"Ann", "Ben", "Cem", "Dee", "Eli"},
				Year:             2023,
				CoreContribution: "A sparse attention kernel that halves memory use",
				Structured: &models.StructuredContribution{
					Problem: "quadratic attention memory",
					Method:  "block-sparse kernels",
					Results: "50% memory reduction",
				},
			},
			{
				Title:            "Linear Transformers",
				Authors:          []string{"Fay"},
				Abstract:         "We propose a linear-time attention mechanism.",
				CoreContribution: "Linear-time attention with competitive accuracy",
			},
		}

		got := buildPaperContext(papers)
		blocks := strings.Split(got, "\n\n")
		require.Len(t, blocks, 2)

		assert.Contains(t, blocks[0], "[1] Sparse Attention at Scale (Year: 2023)")
		assert.Contains(t, blocks[0], "Authors: Ann, Ben, Cem...")
		assert.Contains(t, blocks[0], "Contribution: A sparse attention kernel")
		assert.Contains(t, blocks[0], "Problem: quadratic attention memory")
		assert.Contains(t, blocks[0], "Method: block-sparse kernels")
		assert.Contains(t, blocks[0], "Results: 50% memory reduction")
		assert.NotContains(t, blocks[0], "Dataset:", "empty structured fields are omitted")
		assert.NotContains(t, blocks[0], "Abstract:", "structured fields replace the abstract")

		// Missing year renders as N/A; no structured record falls back to
		// the abstract.
		assert.Contains(t, blocks[1], "[2] Linear Transformers (Year: N/A)")
		assert.Contains(t, blocks[1], "Authors: Fay\n")
		assert.Contains(t, blocks[1], "Abstract: We propose a linear-time attention mechanism.")
	})

	t.Run("long abstracts are cut at 200 runes", func(t *testing.T) {
		papers := []models.Paper{{
			Title:            "T",
			Abstract:         strings.Repeat("a", 250),
			CoreContribution: "c",
		}}

		got := buildPaperContext(papers)
		assert.Contains(t, got, strings.Repeat("a", 200)+"...")
		assert.NotContains(t, got, strings.Repeat("a", 201))
	})

	t.Run("empty list", func(t *testing.T) {
		assert.Empty(t, buildPaperContext(nil))
	})
}

func TestBuildConversationContext(t *testing.T) {
	msgs := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
		{Role: models.RoleUser, Content: "second question"},
		{Role: models.RoleAssistant, Content: "second answer"},
		{Role: models.RoleUser, Content: "third question"},
		{Role: models.RoleAssistant, Content: "third answer"},
	}

	t.Run("windows to the last turns", func(t *testing.T) {
		got := buildConversationContext(msgs, 2)
		assert.Equal(t, strings.Join([]string{
			"User: second question",
			"Assistant: second answer",
			"User: third question",
			"Assistant: third answer",
		}, "\n"), got)
	})

	t.Run("short history is kept whole", func(t *testing.T) {
		got := buildConversationContext(msgs[:2], 5)
		assert.Equal(t, "User: first question\nAssistant: first answer", got)
	})

	t.Run("no messages", func(t *testing.T) {
		assert.Empty(t, buildConversationContext(nil, 5))
	})
}

func TestTruncateHelpers(t *testing.T) {
	t.Run("multibyte runes are never split", func(t *testing.T) {
		s := "注意力机制的研究进展"
		assert.Equal(t, "注意力机制", truncateRunes(s, 5))
		assert.Equal(t, "注意力机制...", truncateWithEllipsis(s, 5))
	})

	t.Run("short strings pass through", func(t *testing.T) {
		assert.Equal(t, "short", truncateRunes("short", 10))
		assert.Equal(t, "short", truncateWithEllipsis("short", 10))
	})
}
