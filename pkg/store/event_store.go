package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autoscholar/scholard/pkg/database"
)

// EventRow is one persisted row of the events log
type EventRow struct {
	ID        int64
	ThreadID  string
	Channel   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// DBTX is the subset of database handles Append runs on. Satisfied by both
// *sql.DB and *sql.Tx, so the events publisher can persist rows inside the
// same transaction that issues pg_notify.
type DBTX interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *stdsql.Row
}

// EventStore manages the persistent event log backing stream catch-up
type EventStore struct {
	db *stdsql.DB
}

// NewEventStore creates a new EventStore
func NewEventStore(client *database.Client) *EventStore {
	return &EventStore{db: client.DB()}
}

// Append persists one event and returns its id. q is the handle to run on,
// usually the publisher's open transaction.
func (s *EventStore) Append(ctx context.Context, q DBTX, threadID, channel string, payload []byte) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO events (thread_id, channel, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		threadID, channel, payload, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

// EventsSince returns persisted events on a channel with id greater than
// sinceID, oldest first, capped at limit.
func (s *EventStore) EventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, channel, payload, created_at
		FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]EventRow, 0)
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(&row.ID, &row.ThreadID, &row.Channel, &row.Payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}
