package events

// LogPayload is one progress line attributed to the workflow stage that
// produced it. This is the shape stream clients render line by line.
type LogPayload struct {
	Node string `json:"node"` // stage that produced the line
	Log  string `json:"log"`  // human-readable progress line
}

// StageChangePayload marks a stage boundary: Stage finished, the cursor
// moved to Next.
type StageChangePayload struct {
	Event string `json:"event"` // always EventStageChange
	Stage string `json:"stage"` // stage just completed
	Next  string `json:"next"`  // stage the cursor advanced to
}

// DonePayload tells subscribers the run reached a terminal checkpoint and
// the stream can close.
type DonePayload struct {
	Event string `json:"event"` // always EventDone
}

// ErrorPayload tells subscribers the run failed. Detail is safe to show to
// the caller; internals stay in the server log.
type ErrorPayload struct {
	Event  string `json:"event"`  // always EventError
	Detail string `json:"detail"` // failure description
}
