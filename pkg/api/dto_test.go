package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/models"
)

func TestDraftView(t *testing.T) {
	candidates := []models.Paper{
		{PaperID: "p1", Title: "One", IsApproved: true},
		{PaperID: "p2", Title: "Two"},
		{PaperID: "p3", Title: "Three", IsApproved: true},
	}

	t.Run("nil draft stays nil", func(t *testing.T) {
		assert.Nil(t, draftView(nil, candidates))
	})

	t.Run("rewrites markers and resolves ids", func(t *testing.T) {
		draft := &models.Draft{
			Title: "Survey",
			Sections: []models.Section{
				{Title: "Intro", Content: "Later work {cite:2} builds on {cite:1}."},
			},
		}

		view := draftView(draft, candidates)

		require.NotNil(t, view)
		assert.Equal(t, "Survey", view.Title)
		require.Len(t, view.Sections, 1)
		sec := view.Sections[0]
		assert.Equal(t, "Later work [2] builds on [1].", sec.Content)
		// Ascending by citation index, not order of appearance.
		assert.Equal(t, []string{"p1", "p3"}, sec.CitedPaperIDs)
	})

	t.Run("out-of-range markers are removed", func(t *testing.T) {
		draft := &models.Draft{
			Title:    "Survey",
			Sections: []models.Section{{Title: "Intro", Content: "Known {cite:1}, unknown {cite:9}."}},
		}

		view := draftView(draft, candidates)

		sec := view.Sections[0]
		assert.Equal(t, "Known [1], unknown .", sec.Content)
		assert.Equal(t, []string{"p1"}, sec.CitedPaperIDs)
	})

	t.Run("nothing approved strips every citation", func(t *testing.T) {
		draft := &models.Draft{
			Title:    "Survey",
			Sections: []models.Section{{Title: "Intro", Content: "All gone {cite:1}{cite:2}."}},
		}

		view := draftView(draft, []models.Paper{{PaperID: "p1"}})

		sec := view.Sections[0]
		assert.Equal(t, "All gone .", sec.Content)
		assert.Empty(t, sec.CitedPaperIDs)
	})

	t.Run("empty sections stay empty", func(t *testing.T) {
		draft := &models.Draft{Title: "Survey"}

		view := draftView(draft, candidates)

		require.NotNil(t, view)
		assert.Empty(t, view.Sections)
	})
}

func TestCitedPaperIDs(t *testing.T) {
	approved := []models.Paper{
		{PaperID: "p1"},
		{PaperID: "p3"},
	}

	t.Run("collapses duplicates and sorts by index", func(t *testing.T) {
		ids := citedPaperIDs("B [2] then A [1], B again [2].", approved)
		assert.Equal(t, []string{"p1", "p3"}, ids)
	})

	t.Run("ignores out-of-range brackets", func(t *testing.T) {
		// Years and list markers in prose must not leak into the ids.
		ids := citedPaperIDs("Published in [2023], see [0] and [1].", approved)
		assert.Equal(t, []string{"p1"}, ids)
	})

	t.Run("no citations yields an empty slice", func(t *testing.T) {
		ids := citedPaperIDs("No references here.", approved)
		assert.Empty(t, ids)
	})

	t.Run("huge indices are skipped", func(t *testing.T) {
		ids := citedPaperIDs("Overflow [99999999999999999999].", approved)
		assert.Empty(t, ids)
	})
}

func TestValidSources(t *testing.T) {
	assert.NoError(t, validSources(nil))
	assert.NoError(t, validSources([]models.PaperSource{
		models.SourceSemanticScholar, models.SourceArxiv, models.SourcePubmed,
	}))

	err := validSources([]models.PaperSource{models.SourceArxiv, "scopus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown source "scopus"`)
}

func TestApprovedPapers(t *testing.T) {
	papers := []models.Paper{
		{PaperID: "a", IsApproved: true},
		{PaperID: "b"},
		{PaperID: "c", IsApproved: true},
	}

	approved := approvedPapers(papers)
	require.Len(t, approved, 2)
	assert.Equal(t, "a", approved[0].PaperID)
	assert.Equal(t, "c", approved[1].PaperID)

	assert.Empty(t, approvedPapers(nil))
}
