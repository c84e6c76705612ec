package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type BorrowingStatus string

const (
	BorrowingStatusBorrowed BorrowingStatus = "borrowed"
	BorrowingStatusReturned BorrowingStatus = "returned"
	BorrowingStatusOverdue  BorrowingStatus = "overdue"
	BorrowingStatusLost     BorrowingStatus = "lost"
)

// Open reports whether a loan in this state still holds a copy.
func (s BorrowingStatus) Open() bool {
	return s == BorrowingStatusBorrowed || s == BorrowingStatusOverdue
}

// OpenBorrowingStatuses lists the states that count against stock and reader limits.
var OpenBorrowingStatuses = []BorrowingStatus{BorrowingStatusBorrowed, BorrowingStatusOverdue}

type BorrowingRecord struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	ReaderID     uint            `gorm:"index;not null" json:"reader_id"`
	BookID       uint            `gorm:"index;not null" json:"book_id"`
	BorrowDate   time.Time       `gorm:"not null" json:"borrow_date"`
	DueDate      time.Time       `gorm:"index;not null" json:"due_date"`
	ReturnDate   *time.Time      `json:"return_date,omitempty"`
	RenewalCount int             `gorm:"not null" json:"renewal_count"`
	Status       BorrowingStatus `gorm:"index;size:20;not null" json:"status"`
	FineAmount   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"fine_amount"`
	Notes        string          `gorm:"size:500" json:"notes,omitempty"`
	Versioned
	SoftDeletable
}

func (BorrowingRecord) TableName() string {
	return "borrowing_records"
}
