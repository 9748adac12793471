package workflow

import "errors"

// Sentinel errors returned by engine operations. The API layer maps each to
// an HTTP status in pkg/api/errors.go.
var (
	// ErrSessionNotFound means the thread id has no session or checkpoint.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAwaitingApproval means approve was called on a thread whose
	// cursor is not parked at the extraction stage.
	ErrNotAwaitingApproval = errors.New("session is not waiting for approval")

	// ErrNoMatchingPapers means none of the submitted paper ids matched a
	// candidate paper.
	ErrNoMatchingPapers = errors.New("none of the provided paper_ids match candidate papers")

	// ErrNoDraft means continue was called before a draft exists.
	ErrNoDraft = errors.New("no draft exists yet")

	// ErrRunActive means another run currently owns the thread.
	ErrRunActive = errors.New("a run is already active for this thread")

	// ErrEngineStopped means the engine is shutting down and will not
	// start or finish new runs.
	ErrEngineStopped = errors.New("workflow engine is stopped")
)
