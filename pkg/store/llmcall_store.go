package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/autoscholar/scholard/pkg/database"
	"github.com/autoscholar/scholard/pkg/models"
)

// LLMCallStore persists per-call cost rows and keeps process-lifetime totals
// in memory. Implements llm.CallRecorder.
type LLMCallStore struct {
	db *stdsql.DB

	calls            atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewLLMCallStore creates a new LLMCallStore
func NewLLMCallStore(client *database.Client) *LLMCallStore {
	return &LLMCallStore{db: client.DB()}
}

// RecordCall persists one cost row and bumps the in-process counters.
// The write runs on a detached context: a cost row must not be lost because
// the run that produced it is about to hit its deadline.
func (s *LLMCallStore) RecordCall(runCtx context.Context, call models.LLMCall) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	createdAt := call.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (thread_id, stage, model, prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.ThreadID, call.Stage, call.Model, call.PromptTokens, call.CompletionTokens, call.LatencyMS, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record llm call: %w", err)
	}

	s.calls.Add(1)
	s.promptTokens.Add(int64(call.PromptTokens))
	s.completionTokens.Add(int64(call.CompletionTokens))
	return nil
}

// ThreadUsage sums the cost rows recorded for one thread
func (s *LLMCallStore) ThreadUsage(ctx context.Context, threadID string) (models.LLMUsage, error) {
	var usage models.LLMUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM llm_calls
		WHERE thread_id = $1`,
		threadID).Scan(&usage.Calls, &usage.PromptTokens, &usage.CompletionTokens)
	if err != nil {
		return models.LLMUsage{}, fmt.Errorf("failed to sum llm calls: %w", err)
	}
	return usage, nil
}

// Totals returns the process-lifetime usage counters
func (s *LLMCallStore) Totals() models.LLMUsage {
	return models.LLMUsage{
		Calls:            s.calls.Load(),
		PromptTokens:     s.promptTokens.Load(),
		CompletionTokens: s.completionTokens.Load(),
	}
}
