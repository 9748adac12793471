package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoscholar/scholard/pkg/models"
)

// startHandler handles POST /api/research/start. It blocks until the new
// thread reaches the approval interrupt and returns the candidate papers.
func (s *Server) startHandler(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := validSources(req.Sources); err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	result, err := s.engine.Start(c.Request.Context(), req.Query, req.Language, req.Sources)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StartResponse{
		ThreadID:        result.ThreadID,
		CandidatePapers: emptyIfNil(result.State.Candidates),
		Logs:            emptyIfNil(result.State.Logs),
	})
}

// approveHandler handles POST /api/research/approve. It blocks until the
// resumed thread finishes and returns the draft in display form.
func (s *Server) approveHandler(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := s.engine.Approve(c.Request.Context(), req.ThreadID, req.PaperIDs)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ApproveResponse{
		ThreadID:      result.ThreadID,
		FinalDraft:    draftView(result.State.Draft, result.State.Candidates),
		ApprovedCount: result.ApprovedCount,
		Logs:          emptyIfNil(result.NewLogs),
	})
}

// continueHandler handles POST /api/research/continue: one revision pass
// over an existing draft.
func (s *Server) continueHandler(c *gin.Context) {
	var req ContinueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, msg, err := s.engine.Continue(c.Request.Context(), req.ThreadID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ContinueResponse{
		ThreadID:        result.ThreadID,
		Message:         msg,
		FinalDraft:      draftView(result.State.Draft, result.State.Candidates),
		CandidatePapers: emptyIfNil(result.State.Candidates),
		Logs:            emptyIfNil(result.NewLogs),
	})
}

// statusHandler handles GET /api/research/status/:thread_id.
func (s *Server) statusHandler(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context(), c.Param("thread_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	nextStages := []string{}
	if st.NextStage != models.StageEnd {
		nextStages = append(nextStages, string(st.NextStage))
	}

	c.JSON(http.StatusOK, StatusResponse{
		ThreadID:       st.ThreadID,
		NextStages:     nextStages,
		Logs:           emptyIfNil(st.State.Logs),
		HasDraft:       st.State.Draft != nil,
		CandidateCount: len(st.State.Candidates),
		ApprovedCount:  len(st.State.ApprovedPapers()),
	})
}
