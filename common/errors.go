package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that a document does not exist in the store. Store
// drivers translate their native not-found responses (CouchDB 404, missing
// map key) into this sentinel so callers can test with errors.Is.
var ErrNotFound = errors.New("document not found")

// ErrDimensionMismatch reports that a vector's length does not match the
// collection dimension the vector store was opened with. This is always a
// deployment error, never retried.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ValidationError reports that an event payload failed schema validation.
// It is raised before publishing, is never retried, and carries the JSON
// pointers of the offending fields so the caller can log exactly what was
// wrong with the payload it built.
type ValidationError struct {
	EventType  string   // event type whose schema was violated
	Version    string   // schema version consulted
	Violations []string // human-readable violation descriptions with JSON pointers
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %q failed validation against schema %s.%s: %s",
		e.EventType, e.Version, e.EventType, strings.Join(e.Violations, "; "))
}

// TransientError wraps a failure that is expected to succeed on retry, such
// as a connection reset or an overloaded backend. The retry helper keeps
// retrying these until attempts are exhausted.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that no amount of retrying will fix, such
// as malformed input or a missing referenced document. Handlers that hit one
// publish the stage's failure event and mark the document failed instead of
// requeueing.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil when err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentError. Returns nil when err is nil.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is (or wraps) a PermanentError. Validation
// errors and not-found are also permanent for retry purposes.
func IsPermanent(err error) bool {
	var p *PermanentError
	if errors.As(err, &p) {
		return true
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return true
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDimensionMismatch)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
