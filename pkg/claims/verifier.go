// Package claims implements the critic's semantic QA layer: it splits draft
// sections into atomic claims and checks each claim against the paper it
// cites. Everything here degrades rather than fails — a claim that cannot be
// extracted or verified is skipped with a warning, because semantic QA must
// never block a structurally sound draft.
package claims

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/models"
)

const verificationTemperature = 0.1

// Completer is the slice of the LLM client the verifier needs.
type Completer interface {
	StructuredCompletion(ctx context.Context, req llm.Request, out any) error
}

// Verifier extracts and verifies claims for one draft at a time.
type Verifier struct {
	llm         Completer
	concurrency int
}

// NewVerifier creates a verifier running at most concurrency verification
// calls at a time.
func NewVerifier(client Completer, concurrency int) *Verifier {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Verifier{llm: client, concurrency: concurrency}
}

// VerifyDraft extracts claims from every section and verifies each
// (claim, cited paper) pair, returning the individual verification results
// and their summary. The error is non-nil only when the context ends;
// per-claim failures degrade with a warning.
func (v *Verifier) VerifyDraft(ctx context.Context, threadID string, draft *models.Draft, papers []models.Paper) ([]models.ClaimVerification, models.VerificationSummary, error) {
	slog.Info("Extracting claims from draft", "sections", len(draft.Sections))
	claims := v.extractAllClaims(ctx, threadID, draft)
	slog.Info("Extracted claims with citations", "count", len(claims))
	if err := ctx.Err(); err != nil {
		return nil, models.VerificationSummary{}, err
	}

	if len(claims) == 0 {
		return nil, Summarize(nil), nil
	}

	slog.Info("Verifying claims", "papers", len(papers))
	results := v.verifyClaims(ctx, threadID, claims, papers)
	slog.Info("Completed verifications", "count", len(results))
	if err := ctx.Err(); err != nil {
		return nil, models.VerificationSummary{}, err
	}

	return results, Summarize(results), nil
}

// extractAllClaims runs claim extraction for every section concurrently and
// flattens the results in section order.
func (v *Verifier) extractAllClaims(ctx context.Context, threadID string, draft *models.Draft) []models.Claim {
	perSection := make([][]models.Claim, len(draft.Sections))
	var wg sync.WaitGroup
	for i, section := range draft.Sections {
		wg.Add(1)
		go func(i int, section models.Section) {
			defer wg.Done()
			claims, err := v.extractSectionClaims(ctx, threadID, i, section)
			if err != nil {
				slog.Warn("Failed to extract claims from section", "section", i, "error", err)
				return
			}
			perSection[i] = claims
		}(i, section)
	}
	wg.Wait()

	var all []models.Claim
	for _, claims := range perSection {
		all = append(all, claims...)
	}
	return all
}

// extractSectionClaims asks the model to split one section into atomic
// claims. Sections without citation markers are skipped outright, and only
// returned claims that kept a marker become verification work. Claim IDs
// keep the model's ordinal, so they may be sparse.
func (v *Verifier) extractSectionClaims(ctx context.Context, threadID string, sectionIndex int, section models.Section) ([]models.Claim, error) {
	if len(models.ExtractCitationIndices(section.Content)) == 0 {
		return nil, nil
	}

	var out claimListOutput
	err := v.llm.StructuredCompletion(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: claimExtractionSystem},
			{Role: llm.RoleUser, Content: fmt.Sprintf(claimExtractionUser, section.Title, section.Content)},
		},
		Schema:      claimListSchema,
		Temperature: verificationTemperature,
		ThreadID:    threadID,
		Stage:       string(models.StageCritic),
	}, &out)
	if err != nil {
		return nil, err
	}

	var claims []models.Claim
	for i, text := range out.Claims {
		indices := models.ExtractCitationIndices(text)
		if len(indices) == 0 {
			continue
		}
		claims = append(claims, models.Claim{
			ClaimID:         fmt.Sprintf("s%d_c%d", sectionIndex, i),
			SectionIndex:    sectionIndex,
			Text:            text,
			CitationIndices: indices,
		})
	}
	return claims, nil
}

type verifyTask struct {
	claim models.Claim
	index int
	paper models.Paper
}

// verifyClaims checks every (claim, citation index) pair whose index is in
// range, bounded by the configured concurrency. Results keep task order;
// failed verifications are dropped with a warning.
func (v *Verifier) verifyClaims(ctx context.Context, threadID string, claims []models.Claim, papers []models.Paper) []models.ClaimVerification {
	var tasks []verifyTask
	for _, claim := range claims {
		for _, index := range claim.CitationIndices {
			if index >= 1 && index <= len(papers) {
				tasks = append(tasks, verifyTask{claim: claim, index: index, paper: papers[index-1]})
			}
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	results := make([]*models.ClaimVerification, len(tasks))
	sem := make(chan struct{}, v.concurrency)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task verifyTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := v.verifySingleClaim(ctx, threadID, task.claim, task.index, task.paper)
			if err != nil {
				slog.Warn("Failed to verify claim",
					"claim_id", task.claim.ClaimID,
					"paper_index", task.index,
					"error", err)
				return
			}
			results[i] = result
		}(i, task)
	}
	wg.Wait()

	verifications := make([]models.ClaimVerification, 0, len(tasks))
	for _, r := range results {
		if r != nil {
			verifications = append(verifications, *r)
		}
	}
	return verifications
}

func (v *Verifier) verifySingleClaim(ctx context.Context, threadID string, claim models.Claim, index int, paper models.Paper) (*models.ClaimVerification, error) {
	contribution := paper.CoreContribution
	if contribution == "" {
		contribution = "Not available"
	}

	var out verificationOutput
	err := v.llm.StructuredCompletion(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: claimVerificationSystem},
			{Role: llm.RoleUser, Content: fmt.Sprintf(claimVerificationUser,
				claim.Text, index, paper.Title, truncateRunes(paper.Abstract, 1000), contribution)},
		},
		Schema:      verificationSchema,
		Temperature: verificationTemperature,
		ThreadID:    threadID,
		Stage:       string(models.StageCritic),
	}, &out)
	if err != nil {
		return nil, err
	}

	return &models.ClaimVerification{
		ClaimID:    claim.ClaimID,
		ClaimText:  claim.Text,
		PaperIndex: index,
		Label:      normalizeLabel(out.Label),
		Confidence: clamp01(out.Confidence),
		Evidence:   truncateRunes(out.EvidenceSnippet, 500),
		Rationale:  truncateRunes(out.Rationale, 200),
	}, nil
}

// Summarize aggregates verification results. With nothing verified the
// support ratio is 1.0: no claims means nothing to dispute.
func Summarize(results []models.ClaimVerification) models.VerificationSummary {
	summary := models.VerificationSummary{Total: len(results)}
	for _, r := range results {
		switch r.Label {
		case models.EntailmentEntails:
			summary.Entails++
		case models.EntailmentContradicts:
			summary.Contradicts++
		default:
			summary.Insufficient++
		}
	}
	summary.Failed = summary.Insufficient + summary.Contradicts
	if summary.Total > 0 {
		summary.SupportRatio = float64(summary.Entails) / float64(summary.Total)
	} else {
		summary.SupportRatio = 1.0
	}
	return summary
}

// normalizeLabel lowercases a model-produced label; anything unknown counts
// as insufficient.
func normalizeLabel(label string) models.EntailmentLabel {
	switch models.EntailmentLabel(strings.ToLower(label)) {
	case models.EntailmentEntails:
		return models.EntailmentEntails
	case models.EntailmentContradicts:
		return models.EntailmentContradicts
	default:
		return models.EntailmentInsufficient
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
