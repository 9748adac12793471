package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/events"
	"github.com/autoscholar/scholard/pkg/models"
	"github.com/autoscholar/scholard/pkg/store"
	"github.com/autoscholar/scholard/pkg/workflow"
)

// stubEventStore serves catch-up queries from an in-memory slice. Rows are
// only visible to queries with sinceID >= sinceFloor, which lets tests stage
// rows for the truncation refetch without them appearing in the initial
// replay.
type stubEventStore struct {
	mu         sync.Mutex
	rows       []store.EventRow
	err        error
	sinceFloor int64
	gotSince   []int64
}

func (s *stubEventStore) EventsSince(_ context.Context, channel string, sinceID int64, limit int) ([]store.EventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotSince = append(s.gotSince, sinceID)
	if s.err != nil {
		return nil, s.err
	}
	if sinceID < s.sinceFloor {
		return nil, nil
	}
	var out []store.EventRow
	for _, r := range s.rows {
		if r.Channel == channel && r.ID > sinceID {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *stubEventStore) firstSince() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.gotSince) == 0 {
		return -1
	}
	return s.gotSince[0]
}

func logRow(id int64, threadID, node, line string) store.EventRow {
	payload, _ := json.Marshal(events.LogPayload{Node: node, Log: line})
	return store.EventRow{ID: id, ThreadID: threadID, Channel: events.ThreadChannel(threadID), Payload: payload}
}

func doneRow(id int64, threadID string) store.EventRow {
	payload, _ := json.Marshal(events.DonePayload{Event: events.EventDone})
	return store.EventRow{ID: id, ThreadID: threadID, Channel: events.ThreadChannel(threadID), Payload: payload}
}

// sseEvent is one parsed SSE frame; id 0 means the frame had no id line.
type sseEvent struct {
	id   int64
	data string
}

func parseFrames(t *testing.T, body string) []sseEvent {
	t.Helper()
	body = strings.TrimSuffix(body, "\n\n")
	if body == "" {
		return nil
	}
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
				require.NoError(t, err)
				ev.id = id
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			default:
				t.Fatalf("unexpected SSE line %q", line)
			}
		}
		out = append(out, ev)
	}
	return out
}

func streamTestServer(es *stubEventStore) (*Server, *events.Hub) {
	hub := events.NewHub(es)
	eng := &stubEngine{statusResult: &workflow.ThreadStatus{
		ThreadID:  "thread-1",
		Session:   &models.Session{ThreadID: "thread-1", Status: models.SessionStatusRunning},
		NextStage: models.StagePlanner,
	}}
	return NewServer(config.DefaultConfig(), eng, &stubLister{}, hub, nil, nil), hub
}

func TestStreamHandler_Catchup(t *testing.T) {
	t.Run("replays history and closes at done", func(t *testing.T) {
		es := &stubEventStore{rows: []store.EventRow{
			logRow(1, "thread-1", "planner", "Generated 3 search keywords"),
			logRow(2, "thread-1", "retriever", "Found 5 unique papers"),
			doneRow(3, "thread-1"),
		}}
		s, hub := streamTestServer(es)

		w := performRequest(s, http.MethodGet, "/api/research/stream/thread-1", "", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
		assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

		frames := parseFrames(t, w.Body.String())
		require.Len(t, frames, 3)
		assert.Equal(t, int64(1), frames[0].id)
		assert.Contains(t, frames[0].data, `"log":"Generated 3 search keywords"`)
		assert.Equal(t, int64(2), frames[1].id)
		assert.Equal(t, int64(3), frames[2].id)
		assert.JSONEq(t, `{"event":"done"}`, frames[2].data)

		assert.Equal(t, 0, hub.ActiveSubscribers())
	})

	t.Run("resumes after Last-Event-ID", func(t *testing.T) {
		es := &stubEventStore{rows: []store.EventRow{
			logRow(1, "thread-1", "planner", "first"),
			logRow(2, "thread-1", "retriever", "second"),
			doneRow(3, "thread-1"),
		}}
		s, _ := streamTestServer(es)

		w := performRequest(s, http.MethodGet, "/api/research/stream/thread-1", "",
			map[string]string{"Last-Event-ID": "2"})

		require.Equal(t, http.StatusOK, w.Code)
		frames := parseFrames(t, w.Body.String())
		require.Len(t, frames, 1)
		assert.Equal(t, int64(3), frames[0].id)
		assert.Equal(t, int64(2), es.firstSince())
	})

	t.Run("overflow tells the client to reload", func(t *testing.T) {
		es := &stubEventStore{}
		for i := int64(1); i <= 210; i++ {
			es.rows = append(es.rows, logRow(i, "thread-1", "writer", fmt.Sprintf("token %d", i)))
		}
		s, _ := streamTestServer(es)

		w := performRequest(s, http.MethodGet, "/api/research/stream/thread-1", "", nil)

		require.Equal(t, http.StatusOK, w.Code)
		frames := parseFrames(t, w.Body.String())
		require.Len(t, frames, 201)
		assert.Equal(t, int64(200), frames[199].id)

		last := frames[200]
		assert.Zero(t, last.id)
		assert.Contains(t, last.data, `"event":"error"`)
		assert.Contains(t, last.data, "exceeds catch-up window")
	})

	t.Run("catch-up failure surfaces as an error event", func(t *testing.T) {
		es := &stubEventStore{err: fmt.Errorf("connection refused")}
		s, _ := streamTestServer(es)

		w := performRequest(s, http.MethodGet, "/api/research/stream/thread-1", "", nil)

		require.Equal(t, http.StatusOK, w.Code)
		frames := parseFrames(t, w.Body.String())
		require.Len(t, frames, 1)
		assert.Contains(t, frames[0].data, "event catch-up failed")
	})

	t.Run("unknown thread maps to 404 before streaming", func(t *testing.T) {
		s := NewServer(config.DefaultConfig(), &stubEngine{statusErr: workflow.ErrSessionNotFound},
			&stubLister{}, events.NewHub(&stubEventStore{}), nil, nil)

		w := performRequest(s, http.MethodGet, "/api/research/stream/missing", "", nil)

		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	})
}

func TestStreamHandler_Live(t *testing.T) {
	get := func(t *testing.T, srv *httptest.Server, hub *events.Hub) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/research/stream/thread-1")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Eventually(t, func() bool { return hub.ActiveSubscribers() == 1 },
			time.Second, 5*time.Millisecond)
		return resp
	}

	t.Run("forwards live events until done", func(t *testing.T) {
		es := &stubEventStore{}
		s, hub := streamTestServer(es)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		resp := get(t, srv, hub)
		defer func() { _ = resp.Body.Close() }()

		channel := events.ThreadChannel("thread-1")
		hub.Broadcast(channel, []byte(`{"node":"planner","log":"working","db_event_id":1}`))
		hub.Broadcast(channel, []byte(`{"event":"stage_change","stage":"planner","next":"retriever","db_event_id":2}`))
		hub.Broadcast(channel, []byte(`{"event":"done","db_event_id":3}`))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		frames := parseFrames(t, string(body))
		require.Len(t, frames, 3)
		assert.Equal(t, int64(1), frames[0].id)
		assert.Contains(t, frames[0].data, `"log":"working"`)
		assert.Contains(t, frames[1].data, `"event":"stage_change"`)
		assert.Contains(t, frames[2].data, `"event":"done"`)

		assert.Equal(t, 0, hub.ActiveSubscribers())
	})

	t.Run("drops live duplicates of replayed events", func(t *testing.T) {
		es := &stubEventStore{rows: []store.EventRow{
			logRow(1, "thread-1", "planner", "first"),
			logRow(2, "thread-1", "retriever", "second"),
		}}
		s, hub := streamTestServer(es)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		resp := get(t, srv, hub)
		defer func() { _ = resp.Body.Close() }()

		channel := events.ThreadChannel("thread-1")
		hub.Broadcast(channel, []byte(`{"node":"retriever","log":"second","db_event_id":2}`))
		hub.Broadcast(channel, []byte(`{"event":"done","db_event_id":3}`))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		frames := parseFrames(t, string(body))
		require.Len(t, frames, 3)
		assert.Equal(t, int64(1), frames[0].id)
		assert.Equal(t, int64(2), frames[1].id)
		assert.Equal(t, int64(3), frames[2].id)
	})

	t.Run("refetches truncated payloads from the event store", func(t *testing.T) {
		fullPayload := `{"node":"writer","log":"a long line that outgrew the notify limit"}`
		es := &stubEventStore{
			rows: []store.EventRow{{
				ID: 5, ThreadID: "thread-1",
				Channel: events.ThreadChannel("thread-1"),
				Payload: []byte(fullPayload),
			}},
			// Hide the row from the initial replay; only the refetch
			// (sinceID 4) sees it.
			sinceFloor: 1,
		}
		s, hub := streamTestServer(es)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		resp := get(t, srv, hub)
		defer func() { _ = resp.Body.Close() }()

		channel := events.ThreadChannel("thread-1")
		hub.Broadcast(channel, []byte(`{"truncated":true,"node":"writer","db_event_id":5}`))
		hub.Broadcast(channel, []byte(`{"event":"done","db_event_id":6}`))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		frames := parseFrames(t, string(body))
		require.Len(t, frames, 2)
		assert.Equal(t, int64(5), frames[0].id)
		assert.JSONEq(t, fullPayload, frames[0].data)
	})

	t.Run("client disconnect ends the stream", func(t *testing.T) {
		es := &stubEventStore{}
		s, hub := streamTestServer(es)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			srv.URL+"/api/research/stream/thread-1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Eventually(t, func() bool { return hub.ActiveSubscribers() == 1 },
			time.Second, 5*time.Millisecond)

		cancel()

		require.Eventually(t, func() bool { return hub.ActiveSubscribers() == 0 },
			time.Second, 5*time.Millisecond)
	})
}
