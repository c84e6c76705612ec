package entities

import "time"

type AuditAction string

const (
	AuditActionCreate     AuditAction = "CREATE"
	AuditActionUpdate     AuditAction = "UPDATE"
	AuditActionDelete     AuditAction = "DELETE"
	AuditActionSoftDelete AuditAction = "SOFT_DELETE"
	AuditActionRestore    AuditAction = "RESTORE"
	AuditActionPurge      AuditAction = "PURGE"
	AuditActionBorrow     AuditAction = "BORROW"
	AuditActionReturn     AuditAction = "RETURN"
	AuditActionRenew      AuditAction = "RENEW"
	AuditActionLost       AuditAction = "LOST"
	AuditActionOverdue    AuditAction = "OVERDUE"
	AuditActionCleanup    AuditAction = "CLEANUP"
)

// AuditLog is append-only; rows are removed only by the retention purge.
type AuditLog struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	UserID         *uint       `gorm:"index" json:"user_id,omitempty"`
	Action         AuditAction `gorm:"index;size:50;not null" json:"action"`
	Table          string      `gorm:"column:table_name;index;size:64" json:"table_name,omitempty"`
	RecordID       *uint       `gorm:"index" json:"record_id,omitempty"`
	OldValues      string      `gorm:"type:text" json:"old_values,omitempty"`
	NewValues      string      `gorm:"type:text" json:"new_values,omitempty"`
	IPAddress      string      `gorm:"size:45" json:"ip_address,omitempty"`
	UserAgent      string      `gorm:"size:500" json:"user_agent,omitempty"`
	SessionID      string      `gorm:"size:128" json:"session_id,omitempty"`
	AdditionalInfo string      `gorm:"type:text" json:"additional_info,omitempty"`
	CreatedAt      time.Time   `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
