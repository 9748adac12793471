// Package store persists workflow sessions, checkpoints, events, and LLM cost
// rows in PostgreSQL. Statements are plain SQL with positional parameters,
// executed on the pooled connection owned by database.Client.
package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autoscholar/scholard/pkg/database"
	"github.com/autoscholar/scholard/pkg/models"
)

// SessionStore manages the workflow_sessions head table and the append-only
// workflow_checkpoints log.
type SessionStore struct {
	db *stdsql.DB
}

// NewSessionStore creates a new SessionStore
func NewSessionStore(client *database.Client) *SessionStore {
	return &SessionStore{db: client.DB()}
}

// Create inserts the head row for a new thread in status pending.
// Returns ErrAlreadyExists when the thread id is already taken.
func (s *SessionStore) Create(ctx context.Context, threadID, userQuery string) (*models.Session, error) {
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING instead of error-code sniffing: zero rows
	// affected means the primary key already existed.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_sessions (thread_id, user_query, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (thread_id) DO NOTHING`,
		threadID, userQuery, string(models.SessionStatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if rows == 0 {
		return nil, ErrAlreadyExists
	}

	return &models.Session{
		ThreadID:  threadID,
		UserQuery: userQuery,
		Status:    models.SessionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get loads the head row for a thread
func (s *SessionStore) Get(ctx context.Context, threadID string) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, user_query, status, run_id, created_at, updated_at
		FROM workflow_sessions
		WHERE thread_id = $1`,
		threadID).Scan(
		&session.ThreadID,
		&session.UserQuery,
		&session.Status,
		&session.RunID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// ClaimRun transitions a thread into running and stamps the run id, but only
// when its current status is one of allowed. The conditional update is the
// concurrency gate: two runs can never hold the same thread at once.
// Returns ErrNotFound for unknown threads and ErrConcurrentModification when
// the thread exists but is not in an allowed status.
func (s *SessionStore) ClaimRun(ctx context.Context, threadID, runID string, allowed ...models.SessionStatus) error {
	if len(allowed) == 0 {
		return ErrInvalidInput
	}

	placeholders := make([]string, len(allowed))
	args := []any{threadID, runID}
	for i, status := range allowed {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, string(status))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE workflow_sessions
		SET status = 'running', run_id = $2, updated_at = now()
		WHERE thread_id = $1 AND status IN (%s)`,
		strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to claim run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim run: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, threadID); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	return nil
}

// ReleaseRun moves a thread out of running into status and clears the run id.
// The update is conditional on the run id so a thread recovered and claimed by
// a newer run is never clobbered by a stale one.
func (s *SessionStore) ReleaseRun(ctx context.Context, threadID, runID string, status models.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_sessions
		SET status = $3, run_id = '', updated_at = now()
		WHERE thread_id = $1 AND run_id = $2`,
		threadID, runID, string(status))
	if err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ListSummaries returns up to limit rows, one per thread, newest activity
// first. Paper count and draft presence are projected out of the latest
// checkpoint state so the list endpoint never has to unmarshal full
// snapshots.
func (s *SessionStore) ListSummaries(ctx context.Context, limit int) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.thread_id, s.user_query, s.status, s.created_at, s.updated_at,
		       COALESCE(jsonb_array_length(c.state->'candidate_papers'), 0) AS paper_count,
		       COALESCE(c.state ? 'final_draft', false) AS has_draft
		FROM workflow_sessions s
		LEFT JOIN LATERAL (
			SELECT state FROM workflow_checkpoints
			WHERE thread_id = s.thread_id
			ORDER BY id DESC
			LIMIT 1
		) c ON true
		ORDER BY s.updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := make([]models.SessionSummary, 0)
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(
			&sum.ThreadID,
			&sum.UserQuery,
			&sum.Status,
			&sum.CreatedAt,
			&sum.UpdatedAt,
			&sum.PaperCount,
			&sum.HasDraft,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return summaries, nil
}

// AppendCheckpoint persists one stage-boundary snapshot and bumps the head
// row's updated_at inside the same transaction. Returns the new checkpoint id.
func (s *SessionStore) AppendCheckpoint(ctx context.Context, cp models.Checkpoint) (int64, error) {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflow_checkpoints (thread_id, stage_completed, next_stage, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		cp.ThreadID, string(cp.StageCompleted), string(cp.NextStage), stateJSON, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_sessions SET updated_at = now() WHERE thread_id = $1`,
		cp.ThreadID); err != nil {
		return 0, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return id, nil
}

// LatestCheckpoint loads the newest snapshot for a thread. Returns ErrNotFound
// when the thread has no checkpoints yet.
func (s *SessionStore) LatestCheckpoint(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		stateJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, stage_completed, next_stage, state, created_at
		FROM workflow_checkpoints
		WHERE thread_id = $1
		ORDER BY id DESC
		LIMIT 1`,
		threadID).Scan(
		&cp.ID,
		&cp.ThreadID,
		&cp.StageCompleted,
		&cp.NextStage,
		&stateJSON,
		&cp.CreatedAt,
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return &cp, nil
}

// RecoverOrphans marks sessions left in running by a previous process as
// interrupted and clears their run ids, so their checkpoints can be resumed.
// Called once during startup, before the engine accepts work. All replicas
// run this independently — the update is idempotent.
func (s *SessionStore) RecoverOrphans(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE workflow_sessions
		SET status = $1, run_id = '', updated_at = now()
		WHERE status = $2
		RETURNING thread_id`,
		string(models.SessionStatusInterrupted), string(models.SessionStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return count, fmt.Errorf("failed to scan orphaned session: %w", err)
		}
		slog.Info("Startup orphan recovered", "thread_id", threadID)
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("failed to recover orphaned sessions: %w", err)
	}

	if count > 0 {
		slog.Warn("Found orphaned sessions from previous run", "count", count)
	}
	return count, nil
}
