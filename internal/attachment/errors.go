package attachment

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a rejected attachment.
type ErrorKind string

const (
	InvalidType          ErrorKind = "INVALID_TYPE"
	TooLarge             ErrorKind = "TOO_LARGE"
	IntegrityCheckFailed ErrorKind = "INTEGRITY_CHECK_FAILED"
)

// ValidationError rejects a file before anything is persisted.
type ValidationError struct {
	Kind   ErrorKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachment rejected (%s): %s", e.Kind, e.Reason)
}

func reject(kind ErrorKind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the ValidationError kind of err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}
