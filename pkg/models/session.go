package models

import "time"

// SessionStatus is the lifecycle state of a thread's head row
type SessionStatus string

const (
	SessionStatusPending          SessionStatus = "pending"
	SessionStatusRunning          SessionStatus = "running"
	SessionStatusAwaitingApproval SessionStatus = "awaiting_approval"
	SessionStatusCompleted        SessionStatus = "completed"
	SessionStatusFailed           SessionStatus = "failed"
	SessionStatusInterrupted      SessionStatus = "interrupted"
)

// Session is the head row for one research thread
type Session struct {
	ThreadID  string        `json:"thread_id"`
	UserQuery string        `json:"user_query"`
	Status    SessionStatus `json:"status"`
	RunID     string        `json:"run_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SessionSummary is the list-endpoint projection of a thread
type SessionSummary struct {
	ThreadID   string        `json:"thread_id"`
	UserQuery  string        `json:"user_query"`
	Status     SessionStatus `json:"status"`
	PaperCount int           `json:"paper_count"`
	HasDraft   bool          `json:"has_draft"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Checkpoint is one stage-boundary snapshot. Rows are append-only per
// thread; resume always loads the newest one.
type Checkpoint struct {
	ID             int64        `json:"id"`
	ThreadID       string       `json:"thread_id"`
	StageCompleted Stage        `json:"stage_completed"`
	NextStage      Stage        `json:"next_stage"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
}

// LLMCall is one cost-tracking row recorded per model invocation
type LLMCall struct {
	ThreadID         string    `json:"thread_id"`
	Stage            string    `json:"stage"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// LLMUsage aggregates cost rows, either per thread or process-lifetime
type LLMUsage struct {
	Calls            int64 `json:"calls"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}
