package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mrlokans/circulation/internal/entities"
)

const healthCheckTimeout = 2 * time.Second

type HealthResponse struct {
	Status  string            `json:"status"`
	Time    string            `json:"time"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// HealthChecks are the components reported by /health. Only the database
// decides the overall status; the rest is informational.
type HealthChecks struct {
	Database   Pinger
	AuditTrail AuditBuffer
	Operations OperationReader
}

type HealthController struct {
	checks  HealthChecks
	version string
}

func NewHealthController(checks HealthChecks, version string) *HealthController {
	return &HealthController{
		checks:  checks,
		version: version,
	}
}

func (h *HealthController) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"

	if h.checks.Database != nil {
		if err := h.checks.Database.Ping(ctx); err != nil {
			checks["database"] = "error: " + err.Error()
			status = "unhealthy"
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not configured"
	}

	if h.checks.AuditTrail != nil {
		checks["audit_buffered"] = strconv.Itoa(h.checks.AuditTrail.Buffered())
	}

	// Pending entries can only be counted while the database answers.
	if h.checks.Operations != nil && status == "healthy" {
		if _, pending, err := h.checks.Operations.List(ctx, entities.OperationPending, 1, 0); err != nil {
			checks["pending_operations"] = "error: " + err.Error()
		} else {
			checks["pending_operations"] = strconv.FormatInt(pending, 10)
		}
	}

	health := HealthResponse{
		Status:  status,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Version: h.version,
		Checks:  checks,
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.IndentedJSON(statusCode, health)
}
