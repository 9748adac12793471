package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/autoscholar/scholard/pkg/models"
)

// runCritic validates the draft in two layers. Layer 1 is structural and
// free: citation indices in range, no section without citations, no approved
// paper left uncited. Layer 2 asks the claim verifier whether cited papers
// actually support the claims, and fails the draft when the entailment ratio
// drops below the configured threshold. Either failure sends the cursor back
// to the writer until the retry budget runs out; an exhausted budget ends
// the workflow with the last draft and its errors kept in state.
func (e *Engine) runCritic(ctx context.Context, rc *runContext, state *models.SessionState) (*models.StatePatch, models.Stage, error) {
	patch := &models.StatePatch{Handoffs: []string{"writer→critic"}}

	if state.Draft == nil {
		patch.QAErrors = []string{}
		rc.log(ctx, patch, models.StageCritic, "QA skipped: no draft to evaluate")
		return patch, models.StageEnd, nil
	}

	papers := state.PapersWithContributions()
	numPapers := len(papers)

	errs := structuralErrors(state.Draft, numPapers)
	if len(errs) > 0 {
		retry := state.RetryCount + 1
		patch.QAErrors = errs
		patch.RetryCount = &retry
		rc.log(ctx, patch, models.StageCritic,
			fmt.Sprintf("QA failed with %d errors (retry %d/%d): %v",
				len(errs), retry, e.cfg.Workflow.MaxQARetries, firstN(errs, 3)))
		return patch, e.qaNextStage(retry), nil
	}

	var verification *models.VerificationSummary
	if e.cfg.Workflow.ClaimVerification && e.verifier != nil && numPapers > 0 {
		rc.logger.Info("Starting claim-level verification")
		results, summary, err := e.verifier.VerifyDraft(ctx, rc.threadID, state.Draft, papers)
		if err != nil {
			return nil, "", fmt.Errorf("claim verification: %w", err)
		}
		verification = &summary
		patch.Verification = verification

		if summary.Total > 0 {
			rc.logger.Info("Claim verification complete",
				"entails", summary.Entails,
				"total", summary.Total,
				"ratio", summary.SupportRatio)

			if summary.SupportRatio < e.cfg.Workflow.MinEntailmentRatio {
				errs = append(errs, failureDetails(results, 3)...)
				retry := state.RetryCount + 1
				patch.QAErrors = errs
				patch.RetryCount = &retry
				rc.log(ctx, patch, models.StageCritic,
					fmt.Sprintf("QA failed: citation support ratio %.1f%% < %.0f%% threshold",
						summary.SupportRatio*100, e.cfg.Workflow.MinEntailmentRatio*100))
				return patch, e.qaNextStage(retry), nil
			}
		}
	}

	patch.QAErrors = []string{}
	logMsg := "QA passed: all citations verified"
	if verification != nil {
		logMsg += fmt.Sprintf(" (semantic: %d/%d entails)", verification.Entails, verification.Total)
	}
	rc.log(ctx, patch, models.StageCritic, logMsg)
	return patch, models.StageEnd, nil
}

// qaNextStage is the conditional edge out of the critic: another writer pass
// while the retry budget lasts, otherwise the end.
func (e *Engine) qaNextStage(retryCount int) models.Stage {
	if retryCount < e.cfg.Workflow.MaxQARetries {
		return models.StageWriter
	}
	return models.StageEnd
}

// structuralErrors runs the free QA layer over the draft. Per section:
// hallucinated indices first, then the zero-citation check; after all
// sections, approved papers nobody cited.
func structuralErrors(draft *models.Draft, numPapers int) []string {
	var errs []string
	allCited := make(map[int]bool)

	for si, section := range draft.Sections {
		cited := uniqueSorted(models.ExtractCitationIndices(section.Content))
		for _, idx := range cited {
			allCited[idx] = true
			if idx < 1 || idx > numPapers {
				errs = append(errs, fmt.Sprintf(
					"Section %d: Hallucinated citation index %d (valid range: 1-%d)",
					si+1, idx, numPapers))
			}
		}
		if len(cited) == 0 {
			errs = append(errs, fmt.Sprintf("Section %d: No citations found in content", si+1))
		}
	}

	for idx := 1; idx <= numPapers; idx++ {
		if !allCited[idx] {
			errs = append(errs, fmt.Sprintf(
				"Missing citation: paper [%d] was approved but not cited", idx))
		}
	}
	return errs
}

// failureDetails renders the first max failed verifications as QA error
// lines, insufficient results before contradictions.
func failureDetails(results []models.ClaimVerification, max int) []string {
	var failed []models.ClaimVerification
	for _, label := range []models.EntailmentLabel{models.EntailmentInsufficient, models.EntailmentContradicts} {
		for _, r := range results {
			if r.Label == label {
				failed = append(failed, r)
			}
		}
	}

	if len(failed) > max {
		failed = failed[:max]
	}
	details := make([]string, 0, len(failed))
	for _, v := range failed {
		details = append(details, fmt.Sprintf("Claim '%s...' citing [%d] (%s): %s",
			truncateRunes(v.ClaimText, 50), v.PaperIndex, v.Label, truncateRunes(v.Rationale, 100)))
	}
	return details
}

func uniqueSorted(indices []int) []int {
	seen := make(map[int]bool, len(indices))
	var out []int
	for _, idx := range indices {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
