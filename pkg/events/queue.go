package events

import (
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultFlushInterval is the debounce window used when no explicit interval
// is configured.
const DefaultFlushInterval = 200 * time.Millisecond

// semanticBoundaries are the characters that force an immediate flush: CJK
// and ASCII sentence terminators plus newline. A token carrying one of these
// completes a renderable unit, so holding it back only adds latency.
const semanticBoundaries = "。！？.!?\n"

// QueueStats reports how well the debounce window is batching tokens.
type QueueStats struct {
	TotalTokens      int     `json:"total_tokens"`
	TotalFlushes     int     `json:"total_flushes"`
	CompressionRatio float64 `json:"compression_ratio"` // tokens per flush, 2-decimal rounded
}

// StreamingEventQueue merges a high-frequency token stream into fewer, larger
// chunks for stream delivery. Tokens buffer until either a semantic boundary
// arrives or the flush window elapses; each flush concatenates the buffer
// into one chunk, so the concatenation of all chunks always equals the
// concatenation of all pushed tokens.
//
// One producer pushes, one consumer drains via Next. Close flushes whatever
// remains and releases the consumer once the pending chunks are drained.
type StreamingEventQueue struct {
	mu            sync.Mutex
	cond          *sync.Cond
	flushInterval time.Duration

	buffer    []string // tokens awaiting a flush
	pending   []string // flushed chunks awaiting the consumer
	lastFlush time.Time
	closed    bool

	totalTokens  int
	totalFlushes int

	// stop and loopDone coordinate shutdown of the timer goroutine.
	stop     chan struct{}
	loopDone chan struct{}
}

// NewStreamingEventQueue creates a queue flushing every flushInterval and
// starts its timer loop. A non-positive interval falls back to
// DefaultFlushInterval.
func NewStreamingEventQueue(flushInterval time.Duration) *StreamingEventQueue {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	q := &StreamingEventQueue{
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
		stop:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.timerLoop()
	return q
}

// Push appends one token. A token containing a semantic boundary flushes the
// buffer immediately; everything else waits for the window timer. Tokens
// pushed after Close are dropped.
func (q *StreamingEventQueue) Push(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buffer = append(q.buffer, token)
	q.totalTokens++
	if strings.ContainsAny(token, semanticBoundaries) {
		q.flushLocked(true)
	}
}

// Next blocks until a merged chunk is available and returns it. ok is false
// once the queue is closed and fully drained — the consumer's signal to stop.
func (q *StreamingEventQueue) Next() (chunk string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return "", false
	}
	chunk = q.pending[0]
	q.pending = q.pending[1:]
	return chunk, true
}

// Close stops the timer loop, flushes any buffered residue, and wakes the
// consumer so it can drain and exit. Safe to call more than once.
func (q *StreamingEventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	<-q.loopDone

	q.mu.Lock()
	if len(q.buffer) > 0 {
		q.pending = append(q.pending, strings.Join(q.buffer, ""))
		q.buffer = q.buffer[:0]
		q.totalFlushes++
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stats returns flush totals and the tokens-per-flush compression ratio.
func (q *StreamingEventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	ratio := 0.0
	if q.totalFlushes > 0 {
		ratio = math.Round(float64(q.totalTokens)/float64(q.totalFlushes)*100) / 100
	}
	return QueueStats{
		TotalTokens:      q.totalTokens,
		TotalFlushes:     q.totalFlushes,
		CompressionRatio: ratio,
	}
}

// timerLoop flushes the buffer whenever a full window has elapsed since the
// last flush. Boundary flushes reset the window, so a tick shortly after one
// is a no-op.
func (q *StreamingEventQueue) timerLoop() {
	defer close(q.loopDone)
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.flushLocked(false)
			q.mu.Unlock()
		}
	}
}

// flushLocked merges the buffer into one pending chunk. Unforced flushes are
// skipped while the window since the last flush has not elapsed. Callers hold
// q.mu.
func (q *StreamingEventQueue) flushLocked(force bool) {
	if len(q.buffer) == 0 {
		return
	}
	if !force && time.Since(q.lastFlush) < q.flushInterval {
		return
	}
	q.pending = append(q.pending, strings.Join(q.buffer, ""))
	q.buffer = q.buffer[:0]
	q.lastFlush = time.Now()
	q.totalFlushes++
	q.cond.Broadcast()
}
