package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoscholar/scholard/pkg/store"
	"github.com/autoscholar/scholard/pkg/workflow"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// writeError maps workflow and store sentinels to HTTP statuses and writes
// the uniform error body. Unrecognized errors become an opaque 500; their
// detail stays in the server log.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	detail := "internal server error"

	switch {
	case errors.Is(err, workflow.ErrSessionNotFound):
		status = http.StatusNotFound
		detail = err.Error()
	case errors.Is(err, workflow.ErrNotAwaitingApproval),
		errors.Is(err, workflow.ErrNoMatchingPapers),
		errors.Is(err, workflow.ErrNoDraft),
		errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
		detail = err.Error()
	case errors.Is(err, workflow.ErrRunActive):
		status = http.StatusConflict
		detail = err.Error()
	case errors.Is(err, workflow.ErrEngineStopped):
		status = http.StatusServiceUnavailable
		detail = err.Error()
	default:
		slog.Error("Unexpected handler error", "error", err)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{Status: status, Detail: detail})
}

// writeBadRequest writes a 400 with the given detail, used for request
// binding and validation failures.
func writeBadRequest(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Status: http.StatusBadRequest,
		Detail: detail,
	})
}
