package store

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/mattn/go-sqlite3"
)

// StorageErrorKind classifies a storage failure.
type StorageErrorKind string

const (
	QuotaExceeded StorageErrorKind = "QUOTA_EXCEEDED"
	Corrupt       StorageErrorKind = "CORRUPT"
	Unknown       StorageErrorKind = "UNKNOWN"
)

// StorageError is returned by every store write that fails. QuotaExceeded
// errors carry a message the user can act on.
type StorageError struct {
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	switch e.Kind {
	case QuotaExceeded:
		return fmt.Sprintf("local storage is full: free up space or clear old conversations (%v)", e.Err)
	case Corrupt:
		return fmt.Sprintf("local chat database is corrupt: %v", e.Err)
	default:
		return fmt.Sprintf("storage error: %v", e.Err)
	}
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsQuotaExceeded reports whether err is a QuotaExceeded StorageError.
func IsQuotaExceeded(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == QuotaExceeded
}

// classify maps driver and OS errors onto StorageError. Context errors and
// errors that are already classified pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrClosed) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return &StorageError{Kind: QuotaExceeded, Err: err}
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return &StorageError{Kind: Corrupt, Err: err}
		}
		return &StorageError{Kind: Unknown, Err: err}
	}
	if errors.Is(err, syscall.ENOSPC) {
		return &StorageError{Kind: QuotaExceeded, Err: err}
	}
	return err
}
