package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoscholar/scholard/pkg/store"
)

// catchupLimit is the maximum number of events returned in a catchup query.
// If more events were missed, the caller is told so it can have the client
// do a full REST reload instead of paginating catchup requests.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing to
// a new PG channel. Without this, a stalled connection would block the
// subscribing goroutine (and thus the stream handler) indefinitely.
const listenTimeout = 10 * time.Second

// subscriberBuffer is each subscriber's live event buffer. A subscriber that
// falls this far behind starts losing live events and recovers via catchup
// on its next reconnect (streams resume from the last delivered event id).
const subscriberBuffer = 64

// CatchupQuerier queries persisted events for catchup. Implemented by
// store.EventStore.
type CatchupQuerier interface {
	EventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]store.EventRow, error)
}

// Subscription is one subscriber's live view of a single channel. Events
// delivers raw NOTIFY payloads in arrival order until Unsubscribe (or a
// LISTEN failure) closes it.
type Subscription struct {
	id      string
	channel string
	events  chan json.RawMessage
}

// ID returns the subscription's unique identifier, for logging.
func (s *Subscription) ID() string { return s.id }

// Events returns the subscriber's delivery channel. It is closed when the
// subscription ends; consumers should treat close as "stream over".
func (s *Subscription) Events() <-chan json.RawMessage { return s.events }

// Hub fans NOTIFY payloads out to local subscribers and manages the LISTEN
// set on the shared listener connection. Each Go process has one Hub.
type Hub struct {
	// Channel subscriptions: channel → subscription id → subscription
	subs map[string]map[string]*Subscription
	mu   sync.RWMutex

	// CatchupQuerier for catchup queries
	catchupQuerier CatchupQuerier

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(catchupQuerier CatchupQuerier) *Hub {
	return &Hub{
		subs:           make(map[string]map[string]*Subscription),
		catchupQuerier: catchupQuerier,
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both Hub and NotifyListener are created.
func (h *Hub) SetListener(l *NotifyListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// Subscribe registers a live subscriber for a channel and starts LISTEN if it
// is the channel's first. LISTEN is synchronous so it completes before
// Subscribe returns — this guarantees that a following catchup query runs
// with delivery already active, closing the gap where events published
// between catchup and LISTEN would be lost. The overlap can deliver an event
// twice; consumers drop duplicates by db_event_id.
func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	sub := &Subscription{
		id:      uuid.New().String(),
		channel: channel,
		events:  make(chan json.RawMessage, subscriberBuffer),
	}

	h.mu.Lock()
	needsListen := false
	if _, exists := h.subs[channel]; !exists {
		h.subs[channel] = make(map[string]*Subscription)
		needsListen = true
	}
	h.subs[channel][sub.id] = sub
	h.mu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				h.cleanupFailedChannel(sub, channel)
				return nil, fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	return sub, nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a LISTEN
// failure and closes every affected subscription (except the triggering one,
// which is informed by the caller via the returned error).
//
// Between unlocking mu (after creating the channel entry) and l.Subscribe
// completing, other goroutines may have subscribed to the same channel.
// Because they saw the channel already existed they skipped LISTEN and got a
// live Subscription back — but the underlying PG LISTEN was never
// established. Closing their channels ends their streams; clients reconnect
// and resume from their last delivered event id.
func (h *Hub) cleanupFailedChannel(triggering *Subscription, channel string) {
	h.mu.Lock()
	orphaned := make([]*Subscription, 0, len(h.subs[channel]))
	for _, sub := range h.subs[channel] {
		if sub.id != triggering.id {
			orphaned = append(orphaned, sub)
		}
	}
	delete(h.subs, channel)
	for _, sub := range orphaned {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"subscription_id", sub.id, "channel", channel)
		close(sub.events)
	}
	h.mu.Unlock()
}

// Unsubscribe removes a subscriber, closes its delivery channel, and stops
// LISTEN if it was the channel's last. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if subs, exists := h.subs[sub.channel]; exists {
		if _, ok := subs[sub.id]; ok {
			delete(subs, sub.id)
			close(sub.events)
		}
		if len(subs) == 0 {
			delete(h.subs, sub.channel)
			// Last subscriber left — stop LISTEN.
			// The goroutine re-checks h.subs before issuing UNLISTEN to
			// prevent a race where a rapid unsubscribe/resubscribe cycle
			// (e.g. a client reconnecting immediately) would drop the LISTEN:
			//   subscribe → LISTEN active
			//   unsubscribe → goroutine: UNLISTEN (deferred)
			//   resubscribe → channel re-added to h.subs
			//   goroutine → sees resubscribed → skips UNLISTEN
			h.listenerMu.RLock()
			l := h.listener
			h.listenerMu.RUnlock()
			if l != nil {
				channel := sub.channel
				go func() {
					h.mu.RLock()
					_, resubscribed := h.subs[channel]
					h.mu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers a NOTIFY payload to every local subscriber of the
// channel. Sends never block: a subscriber whose buffer is full loses the
// event and recovers via catchup. Sends happen under the read lock so they
// cannot race a close under the write lock.
func (h *Hub) Broadcast(channel string, event []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[channel] {
		select {
		case sub.events <- json.RawMessage(event):
		default:
			slog.Warn("Dropping event for slow subscriber",
				"subscription_id", sub.id, "channel", channel)
		}
	}
}

// CatchupEvents returns persisted events for the channel with id > sinceID,
// oldest first, and whether more remain beyond the catchup limit.
func (h *Hub) CatchupEvents(ctx context.Context, channel string, sinceID int64) ([]store.EventRow, bool, error) {
	if h.catchupQuerier == nil {
		return nil, false, nil
	}

	// Query one past the limit to detect overflow.
	rows, err := h.catchupQuerier.EventsSince(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		return nil, false, fmt.Errorf("catchup query failed: %w", err)
	}

	hasMore := len(rows) > catchupLimit
	if hasMore {
		rows = rows[:catchupLimit]
	}
	return rows, hasMore, nil
}

// ActiveSubscribers returns the count of live subscriptions across all
// channels.
func (h *Hub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
