// Package events provides real-time delivery of workflow progress via
// PostgreSQL NOTIFY/LISTEN with persistent catch-up.
//
// Every event a run emits is stored in the events table and broadcast via
// NOTIFY in the same transaction (see Publisher.persistAndNotify). A stream
// subscriber therefore has two sources that can never disagree:
//
//   - live: NOTIFY payloads fanned out by the Hub, carrying a db_event_id
//     injected at publish time
//   - catch-up: rows read back from the events table by id, used on
//     subscribe and on reconnect (Last-Event-ID)
//
// Consumers deduplicate the overlap between the two by db_event_id.
//
// Wire payloads come in four shapes, distinguished by the "event" key
// (log lines have none):
//
//	{"node": "...", "log": "..."}                      progress line
//	{"event": "stage_change", "stage": "...", ...}     cursor moved
//	{"event": "done"}                                  run reached a terminal checkpoint
//	{"event": "error", "detail": "..."}                run failed
package events

// Event kinds carried in the "event" field of non-log payloads.
const (
	EventStageChange = "stage_change"
	EventDone        = "done"
	EventError       = "error"
)

// ThreadChannel returns the NOTIFY channel name for one research thread.
// Format: "thread:{thread_id}"
func ThreadChannel(threadID string) string {
	return "thread:" + threadID
}
