package circulation

import (
	"errors"
	"fmt"

	"github.com/mrlokans/circulation/internal/database/versioned"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrBusinessRule       = errors.New("business rule violated")
	ErrBorrowLimit        = errors.New("borrow limit reached")
	ErrStockUnavailable   = errors.New("no copies available")
	ErrInventoryInvariant = errors.New("inventory invariant violated")
)

// Error is a rejected workflow step. Kind is one of the sentinel errors above;
// ErrBorrowLimit and ErrStockUnavailable also match ErrBusinessRule.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	if target == ErrBusinessRule {
		return e.Kind == ErrBorrowLimit || e.Kind == ErrStockUnavailable
	}
	return false
}

func notFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...any) error {
	return &Error{Kind: ErrBusinessRule, Message: fmt.Sprintf(format, args...)}
}

func limitReached(format string, args ...any) error {
	return &Error{Kind: ErrBorrowLimit, Message: fmt.Sprintf(format, args...)}
}

func outOfStock(format string, args ...any) error {
	return &Error{Kind: ErrStockUnavailable, Message: fmt.Sprintf(format, args...)}
}

// staleWrite reports a conditional write that lost to a concurrent writer.
// The whole transaction is re-run on it.
type staleWrite struct {
	table string
	id    uint
}

func (e *staleWrite) Error() string {
	return fmt.Sprintf("%s %d changed during the transaction", e.table, e.id)
}

func (e *staleWrite) Unwrap() error {
	return versioned.ErrConflict
}
