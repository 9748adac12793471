package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/models"
)

// criticState returns a two-paper state with a structurally clean draft.
func criticState() models.SessionState {
	state := writableState(2)
	state.Draft = &models.Draft{
		Title: "Survey",
		Sections: []models.Section{
			{Title: "Introduction", Content: "Opening {cite:1} and {cite:2}."},
			{Title: "Methods", Content: "Comparing {cite:2} with {cite:1}."},
		},
	}
	return state
}

func TestCriticStage(t *testing.T) {
	ctx := context.Background()

	t.Run("structurally clean draft with passing verification", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		state := criticState()

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageEnd, next)

		require.NotNil(t, patch.QAErrors, "pass must clear the error list explicitly")
		assert.Empty(t, patch.QAErrors)
		assert.Nil(t, patch.RetryCount)
		require.NotNil(t, patch.Verification)
		assert.Equal(t, 1.0, patch.Verification.SupportRatio)
		assert.Equal(t, []string{"writer→critic"}, patch.Handoffs)

		require.Len(t, patch.Logs, 1)
		assert.Equal(t, "QA passed: all citations verified (semantic: 2/2 entails)", patch.Logs[0])
		assert.Equal(t, 1, fx.verifier.callCount())
		assert.Equal(t, 2, fx.verifier.papers)
	})

	t.Run("structural failures route back to the writer", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		state := criticState()
		state.Draft = &models.Draft{
			Title: "Broken",
			Sections: []models.Section{
				{Title: "Introduction", Content: "Citing a ghost {cite:3}."},
				{Title: "Methods", Content: "No markers at all."},
			},
		}

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageWriter, next)

		require.NotNil(t, patch.RetryCount)
		assert.Equal(t, 1, *patch.RetryCount)
		assert.Equal(t, []string{
			"Section 1: Hallucinated citation index 3 (valid range: 1-2)",
			"Section 2: No citations found in content",
			"Missing citation: paper [1] was approved but not cited",
			"Missing citation: paper [2] was approved but not cited",
		}, patch.QAErrors)

		require.Len(t, patch.Logs, 1)
		assert.Contains(t, patch.Logs[0], "QA failed with 4 errors (retry 1/3)")
		assert.Equal(t, 0, fx.verifier.callCount(), "semantic layer is skipped on structural failure")
	})

	t.Run("exhausted retry budget ends the workflow", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		state := criticState()
		state.RetryCount = 2
		state.Draft.Sections[0].Content = "Unmarked prose."
		state.Draft.Sections[1].Content = "Also unmarked."

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageEnd, next)
		require.NotNil(t, patch.RetryCount)
		assert.Equal(t, 3, *patch.RetryCount)
		assert.Contains(t, patch.Logs[0], "(retry 3/3)")
	})

	t.Run("low entailment ratio fails the draft", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		fx.verifier.summary = models.VerificationSummary{
			Total: 3, Entails: 1, Insufficient: 1, Contradicts: 1,
			Failed: 2, SupportRatio: 1.0 / 3.0,
		}
		fx.verifier.results = []models.ClaimVerification{
			{ClaimID: "s0_c0", ClaimText: "Model X beats all baselines {cite:1}.", PaperIndex: 1, Label: models.EntailmentEntails},
			{ClaimID: "s0_c1", ClaimText: "Training cost drops by half {cite:2}.", PaperIndex: 2, Label: models.EntailmentContradicts, Rationale: "paper reports a cost increase"},
			{ClaimID: "s1_c0", ClaimText: "Inference is real-time on mobile {cite:1}.", PaperIndex: 1, Label: models.EntailmentInsufficient, Rationale: "latency never measured"},
		}
		state := criticState()

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageWriter, next)

		require.NotNil(t, patch.RetryCount)
		assert.Equal(t, 1, *patch.RetryCount)
		require.NotNil(t, patch.Verification)

		require.Len(t, patch.QAErrors, 2)
		assert.Equal(t, "Claim 'Inference is real-time on mobile {cite:1}....' citing [1] (insufficient): latency never measured", patch.QAErrors[0])
		assert.Equal(t, "Claim 'Training cost drops by half {cite:2}....' citing [2] (contradicts): paper reports a cost increase", patch.QAErrors[1])

		require.Len(t, patch.Logs, 1)
		assert.Equal(t, "QA failed: citation support ratio 33.3% < 80% threshold", patch.Logs[0])
	})

	t.Run("verifier disabled by config", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		fx.cfg.Workflow.ClaimVerification = false
		state := criticState()

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageEnd, next)
		assert.Nil(t, patch.Verification)
		assert.Equal(t, 0, fx.verifier.callCount())
		assert.Equal(t, "QA passed: all citations verified", patch.Logs[0])
	})

	t.Run("nil verifier skips the semantic layer", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		engine := NewEngine(fx.cfg, fx.store, fx.sink, &scriptedCompleter{}, fx.search, fx.enricher, nil)
		state := criticState()
		rc := &runContext{engine: engine, threadID: "t1", runID: "r1", logger: engine.logger}

		patch, next, err := engine.runCritic(ctx, rc, &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageEnd, next)
		assert.Nil(t, patch.Verification)
		assert.Equal(t, "QA passed: all citations verified", patch.Logs[0])
	})

	t.Run("verifier error fails the stage", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		fx.verifier.err = errors.New("verification backend down")
		state := criticState()

		_, _, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "claim verification")
	})

	t.Run("zero verified claims is a pass", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		fx.verifier.summary = models.VerificationSummary{Total: 0, SupportRatio: 1.0}
		state := criticState()

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageEnd, next)
		assert.Empty(t, patch.QAErrors)
		assert.Equal(t, "QA passed: all citations verified (semantic: 0/0 entails)", patch.Logs[0])
	})

	t.Run("missing draft skips QA entirely", func(t *testing.T) {
		fx := newFixture(&scriptedCompleter{})
		state := writableState(2) // no draft set

		patch, next, err := fx.engine.runCritic(ctx, fx.runCtx("t1"), &state)
		require.NoError(t, err)
		assert.Equal(t, models.StageEnd, next)
		require.NotNil(t, patch.QAErrors)
		assert.Empty(t, patch.QAErrors)
		assert.Equal(t, 0, fx.verifier.callCount())
		assert.Contains(t, patch.Logs, "QA skipped: no draft to evaluate")
	})
}

func TestStructuralErrors(t *testing.T) {
	t.Run("clean draft", func(t *testing.T) {
		draft := &models.Draft{Sections: []models.Section{
			{Content: "All good {cite:1} and {cite:2}."},
		}}
		assert.Empty(t, structuralErrors(draft, 2))
	})

	t.Run("duplicate citations are reported once per section", func(t *testing.T) {
		draft := &models.Draft{Sections: []models.Section{
			{Content: "Repeated ghost {cite:5} and again {cite:5}, plus {cite:1}."},
		}}
		errs := structuralErrors(draft, 1)
		require.Len(t, errs, 1)
		assert.Equal(t, "Section 1: Hallucinated citation index 5 (valid range: 1-1)", errs[0])
	})

	t.Run("missing citations enumerate every uncited paper", func(t *testing.T) {
		draft := &models.Draft{Sections: []models.Section{
			{Content: "Only {cite:2} here."},
		}}
		errs := structuralErrors(draft, 3)
		assert.Equal(t, []string{
			"Missing citation: paper [1] was approved but not cited",
			"Missing citation: paper [3] was approved but not cited",
		}, errs)
	})
}

func TestFailureDetails(t *testing.T) {
	results := []models.ClaimVerification{
		{ClaimText: "ok claim", PaperIndex: 1, Label: models.EntailmentEntails},
		{ClaimText: "contradicted claim", PaperIndex: 2, Label: models.EntailmentContradicts, Rationale: "opposite"},
		{ClaimText: "thin claim one", PaperIndex: 1, Label: models.EntailmentInsufficient, Rationale: "no data"},
		{ClaimText: "thin claim two", PaperIndex: 3, Label: models.EntailmentInsufficient, Rationale: "not discussed"},
	}

	t.Run("insufficient results come before contradictions", func(t *testing.T) {
		details := failureDetails(results, 3)
		require.Len(t, details, 3)
		assert.Contains(t, details[0], "thin claim one")
		assert.Contains(t, details[1], "thin claim two")
		assert.Contains(t, details[2], "contradicted claim")
	})

	t.Run("respects the cap", func(t *testing.T) {
		details := failureDetails(results, 1)
		require.Len(t, details, 1)
		assert.Contains(t, details[0], "thin claim one")
	})

	t.Run("long texts are truncated", func(t *testing.T) {
		long := []models.ClaimVerification{{
			ClaimText:  strings.Repeat("c", 80),
			PaperIndex: 1,
			Label:      models.EntailmentInsufficient,
			Rationale:  strings.Repeat("r", 150),
		}}
		details := failureDetails(long, 3)
		require.Len(t, details, 1)
		assert.Contains(t, details[0], strings.Repeat("c", 50)+"...")
		assert.NotContains(t, details[0], strings.Repeat("c", 51))
		assert.NotContains(t, details[0], strings.Repeat("r", 101))
	})
}
