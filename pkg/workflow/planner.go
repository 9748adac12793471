package workflow

import (
	"context"
	"fmt"

	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/models"
)

// runPlanner turns the user query into search keywords. Follow-up requests
// get the recent conversation appended to the system prompt so new keywords
// complement what was already searched.
func (e *Engine) runPlanner(ctx context.Context, rc *runContext, state *models.SessionState) (*models.StatePatch, models.Stage, error) {
	patch := &models.StatePatch{Handoffs: []string{"→planner"}}

	system := keywordGenerationSystem
	if state.IsContinuation && len(state.Messages) > 0 {
		conversation := buildConversationContext(state.Messages, e.cfg.Workflow.MaxConversationTurns)
		system += fmt.Sprintf(keywordGenerationContinuation, conversation)
	}

	var plan keywordPlanOutput
	err := e.llm.StructuredCompletion(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: state.UserQuery},
		},
		Schema:   keywordPlanSchema,
		ThreadID: rc.threadID,
		Stage:    string(models.StagePlanner),
	}, &plan)
	if err != nil {
		return nil, "", fmt.Errorf("keyword generation: %w", err)
	}

	keywords := plan.Keywords
	if len(keywords) > e.cfg.Workflow.MaxKeywords {
		keywords = keywords[:e.cfg.Workflow.MaxKeywords]
	}
	patch.Keywords = keywords

	rc.log(ctx, patch, models.StagePlanner,
		fmt.Sprintf("Generated %d search keywords: %v", len(keywords), keywords))
	return patch, models.StageRetriever, nil
}
