package scholar

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autoscholar/scholard/pkg/models"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		expected string
	}{
		{
			name:     "lowercases and strips punctuation",
			title:    "Attention Is All You Need!",
			expected: "attention is all you need",
		},
		{
			name:     "collapses internal whitespace",
			title:    "  Deep   Learning:\tA Survey  ",
			expected: "deep learning a survey",
		},
		{
			name:     "keeps digits",
			title:    "GPT-4 Technical Report",
			expected: "gpt4 technical report",
		},
		{
			name:     "empty title",
			title:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTitle(tt.title))
		})
	}
}

func TestDeduplicate(t *testing.T) {
	t.Run("drops repeated paper IDs", func(t *testing.T) {
		papers := []models.Paper{
			{PaperID: "a", Title: "First", Source: models.SourceArxiv},
			{PaperID: "a", Title: "First again", Source: models.SourceArxiv},
			{PaperID: "b", Title: "Second", Source: models.SourceArxiv},
		}

		result := Deduplicate(papers)
		assert.Len(t, result, 2)
		assert.Equal(t, "a", result[0].PaperID)
		assert.Equal(t, "b", result[1].PaperID)
	})

	t.Run("semantic scholar replaces arxiv on title collision", func(t *testing.T) {
		papers := []models.Paper{
			{PaperID: "arxiv:1", Title: "Attention Is All You Need", Source: models.SourceArxiv},
			{PaperID: "ss1", Title: "Attention is all you need.", Source: models.SourceSemanticScholar},
		}

		result := Deduplicate(papers)
		assert.Len(t, result, 1)
		assert.Equal(t, "ss1", result[0].PaperID)
		assert.Equal(t, models.SourceSemanticScholar, result[0].Source)
	})

	t.Run("first seen wins between non-semantic-scholar sources", func(t *testing.T) {
		papers := []models.Paper{
			{PaperID: "arxiv:1", Title: "Shared Title", Source: models.SourceArxiv},
			{PaperID: "pubmed:2", Title: "Shared Title", Source: models.SourcePubmed},
		}

		result := Deduplicate(papers)
		assert.Len(t, result, 1)
		assert.Equal(t, "arxiv:1", result[0].PaperID)
	})

	t.Run("first seen wins between semantic scholar records", func(t *testing.T) {
		papers := []models.Paper{
			{PaperID: "ss1", Title: "Shared Title", Source: models.SourceSemanticScholar},
			{PaperID: "ss2", Title: "Shared Title", Source: models.SourceSemanticScholar},
		}

		result := Deduplicate(papers)
		assert.Len(t, result, 1)
		assert.Equal(t, "ss1", result[0].PaperID)
	})

	t.Run("idempotent", func(t *testing.T) {
		papers := []models.Paper{
			{PaperID: "arxiv:1", Title: "Title A", Source: models.SourceArxiv},
			{PaperID: "ss1", Title: "Title A", Source: models.SourceSemanticScholar},
			{PaperID: "pubmed:1", Title: "Title B", Source: models.SourcePubmed},
		}

		once := Deduplicate(papers)
		twice := Deduplicate(once)
		assert.Equal(t, once, twice)
	})
}
