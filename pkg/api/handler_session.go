package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autoscholar/scholard/pkg/models"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 100
)

// listSessionsHandler handles GET /api/research/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	limit := defaultSessionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(c, "invalid limit: must be a positive integer")
			return
		}
		if n > maxSessionLimit {
			n = maxSessionLimit
		}
		limit = n
	}

	summaries, err := s.sessions.ListSummaries(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// sessionDetailHandler handles GET /api/research/sessions/:thread_id. The
// draft is returned in display form and the comparison table is rendered
// over the approved papers so its row numbers line up with the draft's
// bracket citations.
func (s *Server) sessionDetailHandler(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context(), c.Param("thread_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	approved := approvedPapers(st.State.Candidates)
	detail := SessionDetail{
		ThreadID:        st.ThreadID,
		UserQuery:       st.Session.UserQuery,
		Status:          st.Session.Status,
		CandidatePapers: emptyIfNil(st.State.Candidates),
		ApprovedPapers:  approved,
		FinalDraft:      draftView(st.State.Draft, st.State.Candidates),
		Logs:            emptyIfNil(st.State.Logs),
		Messages:        emptyIfNil(st.State.Messages),
		Handoffs:        st.State.Handoffs,
		ComparisonTable: models.BuildComparisonTable(approved),
		Verification:    st.State.Verification,
		CreatedAt:       st.Session.CreatedAt,
		UpdatedAt:       st.Session.UpdatedAt,
	}
	c.JSON(http.StatusOK, detail)
}
