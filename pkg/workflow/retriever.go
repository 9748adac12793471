package workflow

import (
	"context"
	"fmt"

	"github.com/autoscholar/scholard/pkg/models"
)

// runRetriever fans the keywords out across the requested scholarly sources.
// Per-source failures are absorbed by the search client and its failure
// tracker; the stage itself only fails when the run context ends.
func (e *Engine) runRetriever(ctx context.Context, rc *runContext, state *models.SessionState) (*models.StatePatch, models.Stage, error) {
	patch := &models.StatePatch{Handoffs: []string{"planner→retriever"}}

	if len(state.Keywords) == 0 {
		patch.Candidates = []models.Paper{}
		rc.log(ctx, patch, models.StageRetriever, "No search keywords available, skipping search")
		return patch, models.StageExtractor, nil
	}

	papers := e.search.Search(ctx, state.Keywords, state.Sources, e.cfg.Workflow.PapersPerQuery)
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if papers == nil {
		papers = []models.Paper{}
	}
	patch.Candidates = papers

	rc.log(ctx, patch, models.StageRetriever,
		fmt.Sprintf("Found %d unique papers across %d queries from %s",
			len(papers), len(state.Keywords), sourceNames(state.Sources)))
	return patch, models.StageExtractor, nil
}

// sourceNames renders the source list the way it appears in progress lines.
func sourceNames(sources []models.PaperSource) string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = string(s)
	}
	return fmt.Sprintf("%v", names)
}
