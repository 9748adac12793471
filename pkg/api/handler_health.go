package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autoscholar/scholard/pkg/database"
	"github.com/autoscholar/scholard/pkg/models"
	"github.com/autoscholar/scholard/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is the health endpoint body. Only scholard's own state is
// reported; external services (LLM endpoint, scholarly sources) are excluded
// so an upstream outage cannot get the process restarted.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	ActiveRuns    int                    `json:"active_runs"`
	Database      *database.HealthStatus `json:"database,omitempty"`
	DatabaseError string                 `json:"database_error,omitempty"`
	LLMUsage      *models.LLMUsage       `json:"llm_usage,omitempty"`
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *gin.Context) {
	resp := HealthResponse{
		Status:     healthStatusHealthy,
		Version:    version.Full(),
		ActiveRuns: s.engine.ActiveRuns(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		health, err := s.db.Health(ctx)
		if err != nil {
			resp.Status = healthStatusUnhealthy
			resp.DatabaseError = err.Error()
		}
		resp.Database = health
	}
	if s.usage != nil {
		usage := s.usage.Totals()
		resp.LLMUsage = &usage
	}

	httpStatus := http.StatusOK
	if resp.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
