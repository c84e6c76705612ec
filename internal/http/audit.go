package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	auditdb "github.com/mrlokans/circulation/internal/database/audit"
	"github.com/mrlokans/circulation/internal/entities"
)

const defaultStatsDays = 30

type AuditController struct {
	audit      AuditQuerier
	operations OperationReader
}

func NewAuditController(audit AuditQuerier, operations OperationReader) *AuditController {
	return &AuditController{
		audit:      audit,
		operations: operations,
	}
}

// GetAuditLogs returns paginated audit entries as JSON
// GET /api/audit?user_id=&action=&table=&record_id=&from=&to=
func (ac *AuditController) GetAuditLogs(c *gin.Context) {
	filter, ok := parseAuditFilter(c)
	if !ok {
		return
	}
	limit, offset := parsePagination(c)

	logs, total, err := ac.audit.Query(c.Request.Context(), filter, limit, offset)
	if err != nil {
		respondInternalError(c, err, "query audit logs")
		return
	}
	respondPage(c, logs, total, limit, offset)
}

func parseAuditFilter(c *gin.Context) (auditdb.Filter, bool) {
	filter := auditdb.Filter{
		Action: entities.AuditAction(c.Query("action")),
		Table:  c.Query("table"),
	}
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			respondBadRequest(c, "invalid user_id")
			return filter, false
		}
		userID := uint(id)
		filter.UserID = &userID
	}
	if raw := c.Query("record_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			respondBadRequest(c, "invalid record_id")
			return filter, false
		}
		recordID := uint(id)
		filter.RecordID = &recordID
	}
	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondBadRequest(c, "invalid "+param+": expected RFC3339")
			return filter, false
		}
		*dst = t.UTC()
	}
	return filter, true
}

// GetUserStats returns one user's activity summary
// GET /api/audit/users/:id/stats?days=
func (ac *AuditController) GetUserStats(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	stats, err := ac.audit.ActivityStats(c.Request.Context(), id, parseDays(c, defaultStatsDays))
	if err != nil {
		respondInternalError(c, err, "user activity stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetOverview returns system-wide audit activity
// GET /api/audit/overview?days=
func (ac *AuditController) GetOverview(c *gin.Context) {
	overview, err := ac.audit.SystemOverview(c.Request.Context(), parseDays(c, defaultStatsDays))
	if err != nil {
		respondInternalError(c, err, "audit overview")
		return
	}
	c.JSON(http.StatusOK, overview)
}

// GetOperation returns one operation log entry
// GET /api/operations/:operation_id
func (ac *AuditController) GetOperation(c *gin.Context) {
	entry, err := ac.operations.Get(c.Request.Context(), c.Param("operation_id"))
	if err != nil {
		respondInternalError(c, err, "get operation")
		return
	}
	if entry == nil {
		respondNotFound(c, "operation")
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListOperations returns operation log entries, newest first
// GET /api/operations?status=
func (ac *AuditController) ListOperations(c *gin.Context) {
	status := entities.OperationStatus(c.Query("status"))
	limit, offset := parsePagination(c)
	entries, total, err := ac.operations.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondInternalError(c, err, "list operations")
		return
	}
	respondPage(c, entries, total, limit, offset)
}
