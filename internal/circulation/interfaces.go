package circulation

import (
	"context"

	"github.com/mrlokans/circulation/internal/entities"
)

// AuditRecorder receives an entry for every completed transition. It must not
// block on storage or fail the caller.
type AuditRecorder interface {
	RecordChange(ctx context.Context, action entities.AuditAction, table string, recordID uint, oldValues, newValues any, info map[string]any)
}
