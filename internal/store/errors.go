package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrOperationPending is returned when a group already has an
	// outstanding pending chat operation.
	ErrOperationPending = errors.New("store: group already has a pending operation")

	// ErrDuplicateTargetedContact is returned when a targeted-message
	// contact for the same sender is still pending.
	ErrDuplicateTargetedContact = errors.New("store: targeted contact already pending")

	// ErrLockLost is returned when releasing an operation the worker no
	// longer holds.
	ErrLockLost = errors.New("store: pending operation lock not held")

	// ErrStateChanged is returned when a connection state compare-and-swap
	// finds a different state than expected.
	ErrStateChanged = errors.New("store: connection state changed concurrently")
)

// StorageError wraps a local I/O or constraint failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsConstraint reports whether err is a SQLite constraint violation.
func IsConstraint(err error) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint
}
