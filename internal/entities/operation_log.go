package entities

import "time"

type OperationType string

const (
	OperationInsert OperationType = "INSERT"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationCommitted  OperationStatus = "committed"
	OperationRolledBack OperationStatus = "rolled_back"
	OperationFailed     OperationStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s OperationStatus) Terminal() bool {
	return s != OperationPending
}

// OperationLog is one intent entry. OldData and NewData are opaque JSON
// snapshots written once at Begin and never interpreted.
type OperationLog struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	OperationID   string          `gorm:"uniqueIndex;size:64;not null" json:"operation_id"`
	Table         string          `gorm:"column:table_name;index;size:64;not null" json:"table_name"`
	RecordID      *uint           `json:"record_id,omitempty"`
	OperationType OperationType   `gorm:"size:10;not null" json:"operation_type"`
	OldData       string          `gorm:"type:text" json:"old_data,omitempty"`
	NewData       string          `gorm:"type:text" json:"new_data,omitempty"`
	Status        OperationStatus `gorm:"index;size:20;not null" json:"status"`
	CreatedBy     *uint           `json:"created_by,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	CommittedAt   *time.Time      `json:"committed_at,omitempty"`
	RolledBackAt  *time.Time      `json:"rolled_back_at,omitempty"`
	ErrorMessage  string          `gorm:"type:text" json:"error_message,omitempty"`
}

func (OperationLog) TableName() string {
	return "operation_logs"
}
