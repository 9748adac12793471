package models

// Stage names the workflow stages. StageStart and StageEnd are the synthetic
// cursor values bracketing a run.
type Stage string

const (
	StageStart     Stage = "__start__"
	StagePlanner   Stage = "planner"
	StageRetriever Stage = "retriever"
	StageExtractor Stage = "extractor"
	StageWriter    Stage = "writer"
	StageCritic    Stage = "critic"
	StageEnd       Stage = "__end__"
)

// SessionState is the full per-thread workflow state. It is serialized as
// JSONB into every checkpoint row; a thread resumes by loading the latest
// snapshot and continuing from the stored cursor.
type SessionState struct {
	UserQuery      string                `json:"user_query"`
	Language       string                `json:"language"`
	Sources        []PaperSource         `json:"sources"`
	Keywords       []string              `json:"search_keywords,omitempty"`
	Candidates     []Paper               `json:"candidate_papers,omitempty"`
	Draft          *Draft                `json:"final_draft,omitempty"`
	Outline        *Outline              `json:"outline,omitempty"`
	QAErrors       []string              `json:"qa_errors,omitempty"`
	RetryCount     int                   `json:"retry_count"`
	IsContinuation bool                  `json:"is_continuation"`
	Verification   *VerificationSummary  `json:"verification_summary,omitempty"`
	Logs           []string              `json:"logs,omitempty"`
	Messages       []ConversationMessage `json:"messages,omitempty"`
	Handoffs       []string              `json:"agent_handoffs,omitempty"`
	StageTimings   map[string][]float64  `json:"stage_timings,omitempty"`
}

// StatePatch is the delta a stage hands back. Nil fields leave the current
// value untouched. Logs, Messages, Handoffs and StageTimings are append-only
// channels; everything else replaces. Slice fields distinguish nil
// (untouched) from empty non-nil (replace with empty), which is how QAErrors
// gets cleared on a QA pass.
type StatePatch struct {
	UserQuery      *string
	Keywords       []string
	Candidates     []Paper
	Draft          *Draft
	Outline        *Outline
	QAErrors       []string
	RetryCount     *int
	IsContinuation *bool
	Verification   *VerificationSummary

	Logs         []string
	Messages     []ConversationMessage
	Handoffs     []string
	StageTimings map[string][]float64
}

// Apply merges a patch into the state. Append channels concatenate in patch
// order; scalar and snapshot fields are last-writer-wins.
func (s *SessionState) Apply(p *StatePatch) {
	if p == nil {
		return
	}
	if p.UserQuery != nil {
		s.UserQuery = *p.UserQuery
	}
	if p.Keywords != nil {
		s.Keywords = p.Keywords
	}
	if p.Candidates != nil {
		s.Candidates = p.Candidates
	}
	if p.Draft != nil {
		s.Draft = p.Draft
	}
	if p.Outline != nil {
		s.Outline = p.Outline
	}
	if p.QAErrors != nil {
		s.QAErrors = p.QAErrors
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.IsContinuation != nil {
		s.IsContinuation = *p.IsContinuation
	}
	if p.Verification != nil {
		s.Verification = p.Verification
	}

	s.Logs = append(s.Logs, p.Logs...)
	s.Messages = append(s.Messages, p.Messages...)
	s.Handoffs = append(s.Handoffs, p.Handoffs...)
	if len(p.StageTimings) > 0 {
		if s.StageTimings == nil {
			s.StageTimings = make(map[string][]float64, len(p.StageTimings))
		}
		for stage, secs := range p.StageTimings {
			s.StageTimings[stage] = append(s.StageTimings[stage], secs...)
		}
	}
}

// ApprovedPapers returns the candidates the user marked for extraction
func (s *SessionState) ApprovedPapers() []Paper {
	var out []Paper
	for _, p := range s.Candidates {
		if p.IsApproved {
			out = append(out, p)
		}
	}
	return out
}

// PapersWithContributions returns approved papers whose extraction succeeded.
// Their order defines the 1-based citation index space the writer uses.
func (s *SessionState) PapersWithContributions() []Paper {
	var out []Paper
	for _, p := range s.Candidates {
		if p.IsApproved && p.CoreContribution != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasDraft reports whether a draft exists with at least one section
func (s *SessionState) HasDraft() bool {
	return s.Draft != nil && len(s.Draft.Sections) > 0
}
