package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/autoscholar/scholard/pkg/models"
	"github.com/autoscholar/scholard/pkg/store"
)

// EventPublisher publishes workflow events for stream delivery.
// Every event is stored in the events table then broadcast via NOTIFY in the
// same transaction, so catch-up reads and live delivery can never disagree.
//
// Each public method builds one of the typed payloads in payloads.go,
// marshals it, and routes it to the thread's channel via persistAndNotify.
type EventPublisher struct {
	db     *sql.DB
	events *store.EventStore
}

// NewEventPublisher creates a new EventPublisher.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewEventPublisher(db *sql.DB, events *store.EventStore) *EventPublisher {
	return &EventPublisher{db: db, events: events}
}

// --- Typed public methods ---

// PublishLog persists and broadcasts one progress line for the given stage.
func (p *EventPublisher) PublishLog(ctx context.Context, threadID string, node models.Stage, line string) error {
	payloadJSON, err := json.Marshal(LogPayload{Node: string(node), Log: line})
	if err != nil {
		return fmt.Errorf("failed to marshal LogPayload: %w", err)
	}
	return p.persistAndNotify(ctx, threadID, ThreadChannel(threadID), payloadJSON)
}

// PublishStageChange persists and broadcasts a stage boundary: completed
// finished and the cursor advanced to next.
func (p *EventPublisher) PublishStageChange(ctx context.Context, threadID string, completed, next models.Stage) error {
	payloadJSON, err := json.Marshal(StageChangePayload{
		Event: EventStageChange,
		Stage: string(completed),
		Next:  string(next),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal StageChangePayload: %w", err)
	}
	return p.persistAndNotify(ctx, threadID, ThreadChannel(threadID), payloadJSON)
}

// PublishDone persists and broadcasts the terminal done event. Streams close
// when they see it.
func (p *EventPublisher) PublishDone(ctx context.Context, threadID string) error {
	payloadJSON, err := json.Marshal(DonePayload{Event: EventDone})
	if err != nil {
		return fmt.Errorf("failed to marshal DonePayload: %w", err)
	}
	return p.persistAndNotify(ctx, threadID, ThreadChannel(threadID), payloadJSON)
}

// PublishError persists and broadcasts the terminal error event.
func (p *EventPublisher) PublishError(ctx context.Context, threadID, detail string) error {
	payloadJSON, err := json.Marshal(ErrorPayload{Event: EventError, Detail: detail})
	if err != nil {
		return fmt.Errorf("failed to marshal ErrorPayload: %w", err)
	}
	return p.persistAndNotify(ctx, threadID, ThreadChannel(threadID), payloadJSON)
}

// --- Internal core ---

// persistAndNotify persists a pre-marshaled event to the database and broadcasts
// via NOTIFY in a single transaction (pg_notify is transactional — held until COMMIT).
func (p *EventPublisher) persistAndNotify(ctx context.Context, threadID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Persist to events table (within transaction)
	eventID, err := p.events.Append(ctx, tx, threadID, channel, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// Build NOTIFY payload with db_event_id for catchup tracking.
	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	// 2. pg_notify within same transaction — held until COMMIT
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// 3. Commit — INSERT is persisted and NOTIFY fires atomically
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}

	return nil
}

// --- Internal helpers ---

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enrichedBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}

	return truncateIfNeeded(string(enrichedBytes))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the full
// JSON payload bytes, keeping only the routing fields a subscriber needs to
// fetch the complete event from the database by db_event_id.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Event     string `json:"event"`
		Node      string `json:"node"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"truncated": true,
	}
	if routing.Event != "" {
		truncated["event"] = routing.Event
	}
	if routing.Node != "" {
		truncated["node"] = routing.Node
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
