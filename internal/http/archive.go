package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ArchiveController serves the soft-delete lifecycle of one table.
type ArchiveController[T any] struct {
	archive  Archive[T]
	resource string
}

func NewArchiveController[T any](archive Archive[T], resource string) *ArchiveController[T] {
	return &ArchiveController[T]{archive: archive, resource: resource}
}

// Delete handles DELETE /api/<resource>s/:id?reason=
// The row is hidden but can be restored.
func (ac *ArchiveController[T]) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := ac.archive.Delete(c.Request.Context(), id, c.Query("reason")); err != nil {
		respondServiceError(c, err, "delete "+ac.resource)
		return
	}
	respondSuccess(c, ac.resource+" deleted")
}

// Restore handles POST /api/<resource>s/:id/restore
func (ac *ArchiveController[T]) Restore(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := ac.archive.Restore(c.Request.Context(), id); err != nil {
		respondServiceError(c, err, "restore "+ac.resource)
		return
	}
	respondSuccess(c, ac.resource+" restored")
}

// Purge handles DELETE /api/<resource>s/:id/purge
// Rows referenced by open loans are refused.
func (ac *ArchiveController[T]) Purge(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := ac.archive.Purge(c.Request.Context(), id); err != nil {
		respondServiceError(c, err, "purge "+ac.resource)
		return
	}
	respondSuccess(c, ac.resource+" purged")
}

// BatchDeleteRequest is the body of POST /api/<resource>s/batch-delete.
type BatchDeleteRequest struct {
	IDs    []uint `json:"ids" binding:"required"`
	Reason string `json:"reason"`
}

// BatchDelete handles POST /api/<resource>s/batch-delete
func (ac *ArchiveController[T]) BatchDelete(c *gin.Context) {
	var req BatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "ids are required")
		return
	}
	n, err := ac.archive.BatchDelete(c.Request.Context(), req.IDs, req.Reason)
	if err != nil {
		respondServiceError(c, err, "batch delete "+ac.resource)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Message: ac.resource + "s deleted",
		Data:    gin.H{"deleted": n, "requested": len(req.IDs)},
	})
}

// Deleted handles GET /api/<resource>s/deleted
func (ac *ArchiveController[T]) Deleted(c *gin.Context) {
	limit, offset := parsePagination(c)
	rows, total, err := ac.archive.Deleted(c.Request.Context(), limit, offset)
	if err != nil {
		respondInternalError(c, err, "list deleted "+ac.resource)
		return
	}
	respondPage(c, rows, total, limit, offset)
}
