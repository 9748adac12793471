package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/models"
)

// writableState returns a state with n extracted papers, ready for drafting.
func writableState(n int) models.SessionState {
	papers := searchResults(n)
	for i := range papers {
		papers[i].IsApproved = true
		papers[i].CoreContribution = fmt.Sprintf("Contribution of paper %d", i+1)
	}
	return models.SessionState{
		UserQuery:  "Efficient transformers",
		Language:   "en",
		Candidates: papers,
	}
}

func TestWriterStage(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh draft goes through outline and sections", func(t *testing.T) {
		completer := &scriptedCompleter{
			outline:        &outlineOutput{Title: "A Survey", SectionTitles: []string{"Introduction", "Methods", "Conclusion"}},
			sectionContent: func(call int) string { return fmt.Sprintf("Section %d prose {cite:1} {cite:2}.", call) },
		}
		fx := newFixture(completer)
		state := writableState(2)

		patch, next, err := fx.engine.runWriter(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageCritic, next)

		require.NotNil(t, patch.Draft)
		assert.Equal(t, "A Survey", patch.Draft.Title)
		require.Len(t, patch.Draft.Sections, 3)
		assert.Equal(t, "Methods", patch.Draft.Sections[1].Title)
		assert.Equal(t, "Section 2 prose {cite:1} {cite:2}.", patch.Draft.Sections[1].Content)

		require.NotNil(t, patch.Outline)
		assert.Equal(t, []string{"Introduction", "Methods", "Conclusion"}, patch.Outline.SectionTitles)
		assert.Equal(t, []string{"extractor→writer"}, patch.Handoffs)

		reqs := completer.reqs()
		require.Len(t, reqs, 4, "one outline call, three section calls")
		assert.Contains(t, reqs[0].Messages[0].Content, "Create an outline")
		assert.Contains(t, reqs[0].Messages[1].Content, "Research Topic: Efficient transformers")
		assert.Contains(t, reqs[0].Messages[1].Content, "[1] Paper 1")
		assert.Contains(t, reqs[0].Messages[1].Content, "[2] Paper 2")

		sectionReq := reqs[2]
		assert.Contains(t, sectionReq.Messages[0].Content, `Write the "Methods" section`)
		assert.Contains(t, sectionReq.Messages[0].Content, "section 2 of 3")
		assert.Contains(t, sectionReq.Messages[0].Content, "Introduction, Methods, Conclusion")
		assert.Equal(t, fx.cfg.Workflow.SectionMaxTokens, sectionReq.MaxTokens)

		require.Len(t, patch.Logs, 1)
		assert.Equal(t, "Draft complete: 'A Survey' with 3 sections, 2 unique citations", patch.Logs[0])
	})

	t.Run("qa retry regenerates in a single shot", func(t *testing.T) {
		completer := &scriptedCompleter{
			draft: func(call int) draftOutput {
				return draftOutput{Title: "Fixed", Sections: []models.Section{
					{Title: "All", Content: "Everything {cite:1} and {cite:2}."},
				}}
			},
		}
		fx := newFixture(completer)
		state := writableState(2)
		state.RetryCount = 1
		state.QAErrors = []string{
			"Missing citation: paper [2] was approved but not cited",
			"Section 1: No citations found in content",
			"Section 2: No citations found in content",
			"Section 3: No citations found in content",
		}

		patch, next, err := fx.engine.runWriter(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageCritic, next)
		assert.Equal(t, []string{"critic→writer"}, patch.Handoffs)
		assert.Nil(t, patch.Outline, "single-shot path has no outline")

		reqs := completer.reqs()
		require.Len(t, reqs, 1)
		system := reqs[0].Messages[0].Content
		assert.Contains(t, system, "PREVIOUS ATTEMPT FAILED (4 errors)")
		assert.Contains(t, system, "- Missing citation: paper [2] was approved but not cited")
		assert.Contains(t, system, "Section 2: No citations found in content")
		assert.NotContains(t, system, "Section 3", "only the first three errors are quoted")
		assert.Contains(t, system, "Use ONLY {cite:1} through {cite:2}")
		assert.Equal(t, fx.cfg.Workflow.DraftTokenBudget(2), reqs[0].MaxTokens)

		require.Len(t, patch.Logs, 1)
		assert.Contains(t, patch.Logs[0], "(retry 1)")
	})

	t.Run("revision request carries draft summary and conversation", func(t *testing.T) {
		completer := &scriptedCompleter{
			draft: func(call int) draftOutput {
				return draftOutput{Title: "Revised", Sections: []models.Section{
					{Title: "All", Content: "Everything {cite:1} and {cite:2}."},
				}}
			},
		}
		fx := newFixture(completer)
		state := writableState(2)
		state.UserQuery = "Add a limitations section"
		state.IsContinuation = true
		state.Draft = &models.Draft{Title: "Old Title", Sections: []models.Section{
			{Title: "Intro", Content: "old"},
			{Title: "Body", Content: "old"},
		}}
		state.Messages = []models.ConversationMessage{
			models.NewUserMessage("Efficient transformers", nil),
			models.NewAssistantMessage("Draft ready", nil),
			models.NewUserMessage("Add a limitations section", nil),
		}

		_, _, err := fx.engine.runWriter(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)

		reqs := completer.reqs()
		require.Len(t, reqs, 1)
		system := reqs[0].Messages[0].Content
		assert.Contains(t, system, "REVISION request")
		assert.Contains(t, system, "Existing draft title: Old Title")
		assert.Contains(t, system, "Sections: Intro, Body")
		assert.Contains(t, system, "User's modification request: Add a limitations section")
		assert.Contains(t, system, "Assistant: Draft ready")
	})

	t.Run("no extractable papers yields no draft", func(t *testing.T) {
		completer := &scriptedCompleter{}
		fx := newFixture(completer)
		state := models.SessionState{
			UserQuery:  "topic",
			Candidates: searchResults(2), // nothing approved or extracted
		}

		patch, next, err := fx.engine.runWriter(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageCritic, next)
		assert.Nil(t, patch.Draft)
		assert.Empty(t, completer.reqs())
		assert.Contains(t, patch.Logs, "No papers with extracted contributions, cannot draft review")
	})

	t.Run("chinese output language", func(t *testing.T) {
		completer := &scriptedCompleter{
			outline:        &outlineOutput{Title: "综述", SectionTitles: []string{"引言"}},
			sectionContent: func(int) string { return "内容 {cite:1} {cite:2}。" },
		}
		fx := newFixture(completer)
		state := writableState(2)
		state.Language = "zh"

		_, _, err := fx.engine.runWriter(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)

		reqs := completer.reqs()
		assert.Contains(t, reqs[0].Messages[0].Content, "Chinese")
		assert.Contains(t, reqs[1].Messages[0].Content, "in Chinese")
	})

	t.Run("section failure aborts the stage", func(t *testing.T) {
		completer := &scriptedCompleter{
			outline: &outlineOutput{Title: "Survey", SectionTitles: []string{"Introduction"}},
			// sectionContent left nil: the section call errors
		}
		fx := newFixture(completer)
		state := writableState(2)

		_, _, err := fx.engine.runWriter(ctx, fx.runCtx("t1"), &state)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "section 1 (Introduction)")
	})
}
