package entities

import "time"

// Versioned carries the optimistic-lock counter shared by every governed table.
// Version starts at 1 and is bumped by each successful conditional write.
type Versioned struct {
	Version   int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SoftDeletable marks a row as logically removed. DeletedAt, DeletedBy and
// DeleteReason are set and cleared together with IsDeleted.
type SoftDeletable struct {
	IsDeleted    bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedBy    *uint      `json:"deleted_by,omitempty"`
	DeleteReason *string    `gorm:"size:500" json:"delete_reason,omitempty"`
}

// Deleted reports whether the row is soft-deleted.
func (s SoftDeletable) Deleted() bool {
	return s.IsDeleted
}

// CalendarDay truncates t to midnight UTC. Loan dates are calendar days.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
