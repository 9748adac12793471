package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/models"
)

// runWriter generates the literature review. Fresh drafts go through an
// outline call plus one bounded call per section; QA retries and revision
// requests regenerate in a single call so the whole draft stays coherent
// under the correction addenda. Out-of-bounds citations are logged here but
// left in the text: judging them is the critic's job.
func (e *Engine) runWriter(ctx context.Context, rc *runContext, state *models.SessionState) (*models.StatePatch, models.Stage, error) {
	isRetry := state.RetryCount > 0 && len(state.QAErrors) > 0
	handoff := "extractor→writer"
	if isRetry {
		handoff = "critic→writer"
	}
	patch := &models.StatePatch{Handoffs: []string{handoff}}

	papers := state.PapersWithContributions()
	if len(papers) == 0 {
		rc.log(ctx, patch, models.StageWriter, "No papers with extracted contributions, cannot draft review")
		return patch, models.StageCritic, nil
	}

	paperContext := buildPaperContext(papers)
	languageName := "English"
	if state.Language == "zh" {
		languageName = "Chinese"
	}
	numPapers := len(papers)

	var (
		draft   *models.Draft
		outline *models.Outline
		err     error
	)
	if isRetry || state.IsContinuation {
		draft, err = e.generateSingleShotDraft(ctx, rc, state, paperContext, languageName, numPapers, isRetry)
	} else {
		outline, draft, err = e.generateOutlineDraft(ctx, rc, state.UserQuery, paperContext, languageName, numPapers)
	}
	if err != nil {
		return nil, "", err
	}

	cited := draft.UniqueCitations()
	var outOfBounds []int
	for _, idx := range cited {
		if idx < 1 || idx > numPapers {
			outOfBounds = append(outOfBounds, idx)
		}
	}
	if len(outOfBounds) > 0 {
		rc.logger.Warn("Draft cites out-of-bounds indices",
			"indices", outOfBounds,
			"valid_max", numPapers)
	}

	patch.Draft = draft
	patch.Outline = outline

	logMsg := fmt.Sprintf("Draft complete: '%s' with %d sections, %d unique citations",
		draft.Title, len(draft.Sections), len(cited))
	if isRetry {
		logMsg += fmt.Sprintf(" (retry %d)", state.RetryCount)
	}
	rc.log(ctx, patch, models.StageWriter, logMsg)
	return patch, models.StageCritic, nil
}

// generateSingleShotDraft produces the whole draft in one call, with the
// revision or retry addendum appended to the system prompt. The completion
// budget scales with the paper count.
func (e *Engine) generateSingleShotDraft(ctx context.Context, rc *runContext, state *models.SessionState, paperContext, languageName string, numPapers int, isRetry bool) (*models.Draft, error) {
	if isRetry {
		rc.logger.Info("Regenerating draft after QA failure",
			"retry", state.RetryCount,
			"qa_errors", len(state.QAErrors))
	} else {
		rc.logger.Info("Revising draft for follow-up request",
			"request", truncateRunes(state.UserQuery, 100))
	}

	system := fmt.Sprintf(draftGenerationSystem, languageName, numPapers)

	if state.IsContinuation && len(state.Messages) > 0 {
		summary := ""
		if state.Draft != nil {
			titles := make([]string, len(state.Draft.Sections))
			for i, s := range state.Draft.Sections {
				titles[i] = s.Title
			}
			summary = fmt.Sprintf("\nExisting draft title: %s\nSections: %s",
				state.Draft.Title, strings.Join(titles, ", "))
		}
		conversation := buildConversationContext(state.Messages, e.cfg.Workflow.MaxConversationTurns)
		system += fmt.Sprintf(draftRevisionAddendum, summary, state.UserQuery, conversation)
	}

	if isRetry {
		top := state.QAErrors
		if len(top) > 3 {
			top = top[:3]
		}
		errorList := "- " + strings.Join(top, "\n- ")
		system += fmt.Sprintf(draftRetryAddendum, len(state.QAErrors), errorList, numPapers)
	}

	var out draftOutput
	err := e.llm.StructuredCompletion(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: fmt.Sprintf(draftUserPrompt, state.UserQuery, paperContext)},
		},
		Schema:    draftSchema,
		MaxTokens: e.cfg.Workflow.DraftTokenBudget(numPapers),
		ThreadID:  rc.threadID,
		Stage:     string(models.StageWriter),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("draft generation: %w", err)
	}
	return &models.Draft{Title: out.Title, Sections: out.Sections}, nil
}

// generateOutlineDraft produces a fresh draft: one outline call, then one
// call per section with a fixed token budget.
func (e *Engine) generateOutlineDraft(ctx context.Context, rc *runContext, userQuery, paperContext, languageName string, numPapers int) (*models.Outline, *models.Draft, error) {
	rc.logger.Info("Generating outline-based review",
		"papers", numPapers,
		"language", languageName)

	userPrompt := fmt.Sprintf(draftUserPrompt, userQuery, paperContext)

	var outline outlineOutput
	err := e.llm.StructuredCompletion(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: fmt.Sprintf(outlineGenerationSystem, languageName)},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Schema:   outlineSchema,
		ThreadID: rc.threadID,
		Stage:    string(models.StageWriter),
	}, &outline)
	if err != nil {
		return nil, nil, fmt.Errorf("outline generation: %w", err)
	}
	rc.logger.Info("Outline generated",
		"title", outline.Title,
		"sections", len(outline.SectionTitles))

	outlineTitles := strings.Join(outline.SectionTitles, ", ")
	sections := make([]models.Section, 0, len(outline.SectionTitles))
	for i, title := range outline.SectionTitles {
		rc.logger.Info("Generating section",
			"section", i+1,
			"total", len(outline.SectionTitles),
			"title", title)

		var out sectionOutput
		err := e.llm.StructuredCompletion(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: fmt.Sprintf(sectionGenerationSystem,
					title, i+1, len(outline.SectionTitles), outlineTitles, languageName, numPapers)},
				{Role: llm.RoleUser, Content: userPrompt},
			},
			Schema:    sectionSchema,
			MaxTokens: e.cfg.Workflow.SectionMaxTokens,
			ThreadID:  rc.threadID,
			Stage:     string(models.StageWriter),
		}, &out)
		if err != nil {
			return nil, nil, fmt.Errorf("section %d (%s): %w", i+1, title, err)
		}
		sections = append(sections, models.Section{Title: title, Content: out.Content})
	}

	draft := &models.Draft{Title: outline.Title, Sections: sections}
	result := &models.Outline{Title: outline.Title, SectionTitles: outline.SectionTitles}
	return result, draft, nil
}
