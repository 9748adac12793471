package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autoscholar/scholard/pkg/events"
)

// streamHandler handles GET /api/research/stream/:thread_id. It serves the
// thread's event history after the client's Last-Event-ID, then follows live
// events until a terminal done/error event or the client disconnects.
// Subscribing before the catch-up query means the two can overlap but never
// leave a gap; the overlap is deduplicated by event id.
func (s *Server) streamHandler(c *gin.Context) {
	threadID := c.Param("thread_id")

	if _, err := s.engine.Status(c.Request.Context(), threadID); err != nil {
		writeError(c, err)
		return
	}

	channel := events.ThreadChannel(threadID)
	sub, err := s.hub.Subscribe(channel)
	if err != nil {
		writeError(c, fmt.Errorf("stream subscribe: %w", err))
		return
	}
	defer s.hub.Unsubscribe(sub)

	sinceID := parseLastEventID(c.GetHeader("Last-Event-ID"))

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	s.logger.Info("Stream opened",
		"thread_id", threadID,
		"subscription_id", sub.ID(),
		"since_id", sinceID)

	queue := events.NewStreamingEventQueue(s.cfg.Stream.FlushInterval)
	go s.produceEvents(c.Request.Context(), queue, sub, channel, threadID, sinceID)

	for {
		chunk, ok := queue.Next()
		if !ok {
			break
		}
		if _, err := c.Writer.WriteString(chunk); err != nil {
			break
		}
		c.Writer.Flush()
	}

	stats := queue.Stats()
	s.logger.Info("Stream closed",
		"thread_id", threadID,
		"subscription_id", sub.ID(),
		"total_tokens", stats.TotalTokens,
		"flushes", stats.TotalFlushes,
		"compression_ratio", stats.CompressionRatio)
}

// produceEvents replays persisted events after sinceID, then forwards live
// events, pushing complete SSE frames into the queue. It closes the queue at
// a terminal event, on catch-up overflow, or when ctx ends, which releases
// the draining handler.
func (s *Server) produceEvents(
	ctx context.Context,
	queue *events.StreamingEventQueue,
	sub *events.Subscription,
	channel, threadID string,
	sinceID int64,
) {
	defer queue.Close()

	lastID := sinceID
	rows, hasMore, err := s.hub.CatchupEvents(ctx, channel, sinceID)
	if err != nil {
		s.logger.Error("Event catch-up failed", "thread_id", threadID, "error", err)
		queue.Push(sseFrame(0, errorFrame("event catch-up failed")))
		return
	}
	for _, row := range rows {
		queue.Push(sseFrame(row.ID, row.Payload))
		lastID = row.ID
		if parseEnvelope(row.Payload).terminal() {
			return
		}
	}
	if hasMore {
		// The backlog exceeds the catch-up window. Replaying it in
		// pages is not worth it; the client reloads over REST instead.
		s.logger.Warn("Event catch-up overflow",
			"thread_id", threadID, "since_id", sinceID)
		queue.Push(sseFrame(0, errorFrame("event history exceeds catch-up window, reload the session")))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Events():
			if !ok {
				return
			}
			env := parseEnvelope(raw)
			if env.DBEventID != 0 && env.DBEventID <= lastID {
				continue
			}
			payload := []byte(raw)
			if env.Truncated {
				payload = s.refetchEvent(ctx, channel, env.DBEventID, payload)
			}
			queue.Push(sseFrame(env.DBEventID, payload))
			if env.DBEventID != 0 {
				lastID = env.DBEventID
			}
			if env.terminal() {
				return
			}
		}
	}
}

// eventEnvelope is the subset of an event payload the stream handler reads.
// Log lines carry none of these fields and parse to the zero value.
type eventEnvelope struct {
	Event     string `json:"event"`
	DBEventID int64  `json:"db_event_id"`
	Truncated bool   `json:"truncated"`
}

func (e eventEnvelope) terminal() bool {
	return e.Event == events.EventDone || e.Event == events.EventError
}

func parseEnvelope(payload []byte) eventEnvelope {
	var env eventEnvelope
	_ = json.Unmarshal(payload, &env)
	return env
}

// refetchEvent fetches the full payload of a NOTIFY-truncated event from the
// events table. Falls back to the truncation envelope when the lookup fails;
// the client still gets the event id and routing fields.
func (s *Server) refetchEvent(ctx context.Context, channel string, id int64, fallback []byte) []byte {
	if id == 0 {
		return fallback
	}
	rows, _, err := s.hub.CatchupEvents(ctx, channel, id-1)
	if err != nil {
		s.logger.Warn("Failed to refetch truncated event", "event_id", id, "error", err)
		return fallback
	}
	for _, row := range rows {
		if row.ID == id {
			return row.Payload
		}
	}
	return fallback
}

// sseFrame renders one SSE message. Payloads are compact JSON and never
// contain raw newlines. id 0 marks a synthetic frame with no persisted row;
// its id line is omitted so it does not disturb the client's Last-Event-ID.
func sseFrame(id int64, payload []byte) string {
	if id == 0 {
		return fmt.Sprintf("data: %s\n\n", payload)
	}
	return fmt.Sprintf("id: %d\ndata: %s\n\n", id, payload)
}

func errorFrame(detail string) []byte {
	b, _ := json.Marshal(events.ErrorPayload{Event: events.EventError, Detail: detail})
	return b
}

// parseLastEventID reads the reconnect cursor; absent or malformed means a
// full replay from the beginning.
func parseLastEventID(header string) int64 {
	if header == "" {
		return 0
	}
	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
