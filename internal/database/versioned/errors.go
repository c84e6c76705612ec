package versioned

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is matched by every optimistic lock failure.
	ErrConflict = errors.New("optimistic lock conflict")
	// ErrRecordNotFound is returned when the target row does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrColumnNotAdjustable is returned for numeric adjustments on a column
	// the store was not configured to adjust.
	ErrColumnNotAdjustable = errors.New("column is not adjustable")
)

// OptimisticLockError is returned once retries of a conflicting write are
// exhausted. Callers surface it as "please try again".
type OptimisticLockError struct {
	Table    string
	ID       uint
	Attempts int
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("%s %d was modified concurrently (%d attempts), please try again", e.Table, e.ID, e.Attempts)
}

func (e *OptimisticLockError) Unwrap() error {
	return ErrConflict
}
