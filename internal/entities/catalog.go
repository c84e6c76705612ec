package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookStatus string

const (
	BookStatusNormal    BookStatus = "normal"
	BookStatusDamaged   BookStatus = "damaged"
	BookStatusLost      BookStatus = "lost"
	BookStatusDestroyed BookStatus = "destroyed"
)

type BookCategory struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Code        string `gorm:"uniqueIndex;size:32;not null" json:"code"`
	Name        string `gorm:"size:100;not null" json:"name"`
	Description string `gorm:"size:500" json:"description,omitempty"`
	Versioned
	SoftDeletable
}

func (BookCategory) TableName() string {
	return "book_categories"
}

// Book is a title held by the library. AvailableQuantity equals
// TotalQuantity minus the number of open loans for the book.
type Book struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	ISBN              string          `gorm:"index;size:20" json:"isbn"`
	Title             string          `gorm:"index;size:512;not null" json:"title"`
	Author            string          `gorm:"index;size:256" json:"author"`
	Publisher         string          `gorm:"size:256" json:"publisher,omitempty"`
	CategoryID        *uint           `gorm:"index" json:"category_id,omitempty"`
	Price             decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	TotalQuantity     int64           `gorm:"not null" json:"total_quantity"`
	AvailableQuantity int64           `gorm:"not null" json:"available_quantity"`
	Status            BookStatus      `gorm:"size:20;not null;default:'normal'" json:"status"`
	Versioned
	SoftDeletable
}

func (Book) TableName() string {
	return "books"
}

type ReaderStatus string

const (
	ReaderStatusActive    ReaderStatus = "active"
	ReaderStatusSuspended ReaderStatus = "suspended"
	ReaderStatusExpired   ReaderStatus = "expired"
)

// ReaderCategory holds the borrowing limits for a group of readers.
type ReaderCategory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Code           string    `gorm:"uniqueIndex;size:32;not null" json:"code"`
	Name           string    `gorm:"size:100;not null" json:"name"`
	MaxBorrowCount int64     `gorm:"not null;default:5" json:"max_borrow_count"`
	MaxBorrowDays  int       `gorm:"not null;default:30" json:"max_borrow_days"`
	ValidityDays   int       `gorm:"not null;default:365" json:"validity_days"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (ReaderCategory) TableName() string {
	return "reader_categories"
}

// Reader is a library patron. OpenLoans equals the number of the reader's
// loans in borrowed or overdue state.
type Reader struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	ReaderNo   string       `gorm:"uniqueIndex;size:32;not null" json:"reader_no"`
	Name       string       `gorm:"size:100;not null" json:"name"`
	Email      string       `gorm:"size:255" json:"email,omitempty"`
	Phone      string       `gorm:"size:32" json:"phone,omitempty"`
	CategoryID uint         `gorm:"index;not null" json:"category_id"`
	Status     ReaderStatus `gorm:"size:20;not null;default:'active'" json:"status"`
	ExpiryDate *time.Time   `json:"expiry_date,omitempty"`
	OpenLoans  int64        `gorm:"not null" json:"open_loans"`
	Versioned
	SoftDeletable
}

func (Reader) TableName() string {
	return "readers"
}

// Expired reports whether the reader card lapsed before day.
func (r Reader) Expired(day time.Time) bool {
	return r.ExpiryDate != nil && CalendarDay(*r.ExpiryDate).Before(CalendarDay(day))
}
