package api

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/autoscholar/scholard/pkg/models"
)

// StartRequest begins a new research thread.
type StartRequest struct {
	Query    string               `json:"query" binding:"required"`
	Language string               `json:"language"`
	Sources  []models.PaperSource `json:"sources"`
}

// validSources rejects unknown source names before they reach the engine.
func validSources(sources []models.PaperSource) error {
	for _, s := range sources {
		switch s {
		case models.SourceSemanticScholar, models.SourceArxiv, models.SourcePubmed:
		default:
			return fmt.Errorf("unknown source %q", s)
		}
	}
	return nil
}

// ApproveRequest marks candidate papers for extraction and resumes the
// thread. Ids that match no candidate are ignored; zero matches is an error.
type ApproveRequest struct {
	ThreadID string   `json:"thread_id" binding:"required"`
	PaperIDs []string `json:"paper_ids"`
}

// ContinueRequest revises a completed draft.
type ContinueRequest struct {
	ThreadID string `json:"thread_id" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

// StartResponse returns the thread parked at the approval interrupt.
type StartResponse struct {
	ThreadID        string         `json:"thread_id"`
	CandidatePapers []models.Paper `json:"candidate_papers"`
	Logs            []string       `json:"logs"`
}

// ApproveResponse returns the finished draft. Logs holds only the lines the
// resumed run appended.
type ApproveResponse struct {
	ThreadID      string     `json:"thread_id"`
	FinalDraft    *DraftView `json:"final_draft"`
	ApprovedCount int        `json:"approved_count"`
	Logs          []string   `json:"logs"`
}

// ContinueResponse returns the revised draft and the assistant message
// recorded for the conversation.
type ContinueResponse struct {
	ThreadID        string                      `json:"thread_id"`
	Message         *models.ConversationMessage `json:"message"`
	FinalDraft      *DraftView                  `json:"final_draft"`
	CandidatePapers []models.Paper              `json:"candidate_papers"`
	Logs            []string                    `json:"logs"`
}

// StatusResponse is the thread status snapshot. NextStages is empty once the
// workflow reached its end.
type StatusResponse struct {
	ThreadID       string   `json:"thread_id"`
	NextStages     []string `json:"next_stages"`
	Logs           []string `json:"logs"`
	HasDraft       bool     `json:"has_draft"`
	CandidateCount int      `json:"candidate_count"`
	ApprovedCount  int      `json:"approved_count"`
}

// SessionDetail is the full history view of one thread.
type SessionDetail struct {
	ThreadID        string                        `json:"thread_id"`
	UserQuery       string                        `json:"user_query"`
	Status          models.SessionStatus          `json:"status"`
	CandidatePapers []models.Paper                `json:"candidate_papers"`
	ApprovedPapers  []models.Paper                `json:"approved_papers"`
	FinalDraft      *DraftView                    `json:"final_draft"`
	Logs            []string                      `json:"logs"`
	Messages        []models.ConversationMessage  `json:"messages"`
	Handoffs        []string                      `json:"agent_handoffs,omitempty"`
	ComparisonTable string                        `json:"comparison_table,omitempty"`
	Verification    *models.VerificationSummary   `json:"verification_summary,omitempty"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// SectionView is a draft section after display rewriting: {cite:N} markers
// replaced with [N] brackets and the referenced paper ids resolved.
type SectionView struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	CitedPaperIDs []string `json:"cited_paper_ids"`
}

// DraftView is the display form of a draft.
type DraftView struct {
	Title    string        `json:"title"`
	Sections []SectionView `json:"sections"`
}

// bracketPattern matches the [N] references present after rewriting.
var bracketPattern = regexp.MustCompile(`\[(\d+)\]`)

// draftView converts a draft for display. Citation indices are resolved
// against the approved candidates in order: {cite:N} becomes [N] when N is
// in range and is removed otherwise, and each section's cited_paper_ids
// lists the approved papers its content references, ascending by index.
func draftView(draft *models.Draft, candidates []models.Paper) *DraftView {
	if draft == nil {
		return nil
	}
	approved := approvedPapers(candidates)
	out := &DraftView{
		Title:    draft.Title,
		Sections: make([]SectionView, 0, len(draft.Sections)),
	}
	for _, sec := range draft.Sections {
		content, dropped := models.RewriteCitations(sec.Content, len(approved))
		if len(dropped) > 0 {
			slog.Warn("Removed out-of-range citations",
				"section", sec.Title,
				"indices", dropped,
				"max_index", len(approved))
		}
		out.Sections = append(out.Sections, SectionView{
			Title:         sec.Title,
			Content:       content,
			CitedPaperIDs: citedPaperIDs(content, approved),
		})
	}
	return out
}

// citedPaperIDs maps the in-range [N] references in rewritten content to
// paper ids, duplicates collapsed, ascending by citation index.
func citedPaperIDs(content string, approved []models.Paper) []string {
	seen := make(map[int]bool)
	var indices []int
	for _, m := range bracketPattern.FindAllStringSubmatch(content, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > len(approved) || seen[idx] {
			continue
		}
		seen[idx] = true
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	ids := make([]string, 0, len(indices))
	for _, idx := range indices {
		ids = append(ids, approved[idx-1].PaperID)
	}
	return ids
}

// approvedPapers filters candidates to the approved ones, preserving order.
// Their positions define the display citation index space.
func approvedPapers(candidates []models.Paper) []models.Paper {
	out := make([]models.Paper, 0, len(candidates))
	for _, p := range candidates {
		if p.IsApproved {
			out = append(out, p)
		}
	}
	return out
}

// emptyIfNil keeps JSON arrays non-null for clients that iterate them.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
