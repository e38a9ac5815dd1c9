package classify

import (
	"errors"
	"fmt"
)

// Kind partitions classification failures by where they originate.
type Kind string

const (
	// KindInvalidInput marks a rejected upload (non-image MIME, undecodable
	// bytes). Handled at ingestion; never starts a request.
	KindInvalidInput Kind = "invalid_input"
	// KindModelLoad marks a failed model acquisition (download or session
	// initialization).
	KindModelLoad Kind = "model_load"
	// KindInference marks a failed inference invocation.
	KindInference Kind = "inference"
	// KindMalformedResult marks inference output that failed shaping
	// validation (out-of-range score, empty label).
	KindMalformedResult Kind = "malformed_result"
)

// Error annotates an underlying error with its failure kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// E wraps err with the given kind. Returns nil for a nil err.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Ef wraps a formatted error with the given kind.
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
