package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/models"
)

// runExtractor extracts the core contribution and the structured fields for
// every approved paper, then resolves full-text PDFs. One paper failing must
// not sink the rest: failed papers keep an empty contribution and drop out
// of the citation space the writer sees.
func (e *Engine) runExtractor(ctx context.Context, rc *runContext, state *models.SessionState) (*models.StatePatch, models.Stage, error) {
	patch := &models.StatePatch{Handoffs: []string{"retriever→extractor"}}

	approved := state.ApprovedPapers()
	if len(approved) == 0 {
		rc.log(ctx, patch, models.StageExtractor, "No approved papers to process")
		return patch, models.StageWriter, nil
	}

	rc.logger.Info("Extracting contributions", "papers", len(approved))

	extracted, failed := e.extractAll(ctx, rc, approved)
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	logMsg := fmt.Sprintf("Extracted contributions from %d papers", len(extracted))
	if failed > 0 {
		logMsg += fmt.Sprintf(" (%d failed - check logs for details)", failed)
	}
	rc.log(ctx, patch, models.StageExtractor, logMsg)

	needPDF := 0
	for _, p := range extracted {
		if p.PDFURL == "" {
			needPDF++
		}
	}
	if needPDF > 0 {
		rc.logger.Info("Resolving full-text URLs", "papers", needPDF)
		extracted = e.fulltext.EnrichPapers(ctx, extracted, e.cfg.Concurrency.Fulltext)
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		withPDF := 0
		for _, p := range extracted {
			if p.PDFURL != "" {
				withPDF++
			}
		}
		rc.log(ctx, patch, models.StageExtractor,
			fmt.Sprintf("Found full-text PDFs for %d/%d papers", withPDF, len(extracted)))
	}

	patch.Candidates = mergeExtracted(state.Candidates, extracted)
	return patch, models.StageWriter, nil
}

// extractAll runs per-paper extraction bounded by the LLM concurrency limit.
// It returns the successfully extracted papers in input order and the number
// of failures.
func (e *Engine) extractAll(ctx context.Context, rc *runContext, approved []models.Paper) ([]models.Paper, int) {
	type result struct {
		paper models.Paper
		err   error
	}
	results := make([]result, len(approved))

	sem := make(chan struct{}, e.cfg.Concurrency.LLM)
	var wg sync.WaitGroup
	for i := range approved {
		wg.Add(1)
		go func(i int, paper models.Paper) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			enriched, err := e.extractContribution(ctx, rc, paper)
			results[i] = result{paper: enriched, err: err}
		}(i, approved[i])
	}
	wg.Wait()

	extracted := make([]models.Paper, 0, len(approved))
	failed := 0
	for i, r := range results {
		if r.err != nil {
			rc.logger.Error("Contribution extraction failed",
				"title", truncateRunes(approved[i].Title, 60),
				"paper_id", approved[i].PaperID,
				"error", r.err)
			failed++
			continue
		}
		extracted = append(extracted, r.paper)
	}
	return extracted, failed
}

// extractContribution runs the two extraction calls for one paper
// concurrently and returns the paper with both results filled in.
func (e *Engine) extractContribution(ctx context.Context, rc *runContext, paper models.Paper) (models.Paper, error) {
	var (
		core       contributionOutput
		structured structuredExtractionOutput
		coreErr    error
		structErr  error
		wg         sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		coreErr = e.llm.StructuredCompletion(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: contributionExtractionSystem},
				{Role: llm.RoleUser, Content: fmt.Sprintf(contributionExtractionUser, paper.Title, paper.Year, paper.Abstract)},
			},
			Schema:   contributionSchema,
			ThreadID: rc.threadID,
			Stage:    string(models.StageExtractor),
		}, &core)
	}()
	go func() {
		defer wg.Done()
		structErr = e.llm.StructuredCompletion(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: structuredExtractionSystem},
				{Role: llm.RoleUser, Content: fmt.Sprintf(structuredExtractionUser, paper.Title, paper.Year, paper.Abstract)},
			},
			Schema:   structuredExtractionSchema,
			ThreadID: rc.threadID,
			Stage:    string(models.StageExtractor),
		}, &structured)
	}()
	wg.Wait()

	if coreErr != nil {
		return paper, fmt.Errorf("core contribution: %w", coreErr)
	}
	if structErr != nil {
		return paper, fmt.Errorf("structured extraction: %w", structErr)
	}
	if strings.TrimSpace(core.CoreContribution) == "" {
		return paper, fmt.Errorf("model returned empty core_contribution")
	}

	paper.CoreContribution = core.CoreContribution
	paper.Structured = structuredContribution(structured)
	return paper, nil
}

// structuredContribution converts the model output, dropping the record
// entirely when every field came back empty.
func structuredContribution(out structuredExtractionOutput) *models.StructuredContribution {
	sc := models.StructuredContribution{
		Problem:     out.Problem,
		Method:      out.Method,
		Novelty:     out.Novelty,
		Dataset:     out.Dataset,
		Baseline:    out.Baseline,
		Results:     out.Results,
		Limitations: out.Limitations,
		FutureWork:  out.FutureWork,
	}
	if sc == (models.StructuredContribution{}) {
		return nil
	}
	return &sc
}

// mergeExtracted folds the extraction results back into the full candidate
// list, keyed by paper id. Candidates that were not extracted are unchanged.
func mergeExtracted(candidates, extracted []models.Paper) []models.Paper {
	byID := make(map[string]models.Paper, len(extracted))
	for _, p := range extracted {
		byID[p.PaperID] = p
	}

	out := make([]models.Paper, len(candidates))
	copy(out, candidates)
	for i := range out {
		if p, ok := byID[out[i].PaperID]; ok {
			out[i] = p
		}
	}
	return out
}
