package contracts

import (
	"errors"
	"fmt"
	"time"
)

// The runtime error taxonomy. Validation and authorization outcomes are
// returned to callers as structured decisions; only integrity violations
// and unrecoverable storage failures propagate as hard failures.

// ValidationError marks a malformed signal, intent, or rule. It is
// rejected before any state change and never partially applied.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Detail
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Detail)
}

// NewValidationError builds a field-scoped validation failure.
func NewValidationError(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IntegrityViolation marks a hash mismatch, broken chain linkage, or
// signature failure. Always surfaced, never silently corrected: it
// implies tampering or storage corruption.
type IntegrityViolation struct {
	Position uint64
	Issues   []string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation at position %d: %v", e.Position, e.Issues)
}

// IsIntegrity reports whether err is an IntegrityViolation.
func IsIntegrity(err error) bool {
	var iv *IntegrityViolation
	return errors.As(err, &iv)
}

// ConcurrencyConflict marks a lost race for a chain append or an
// entity-score write. Expected under load; callers retry with backoff.
type ConcurrencyConflict struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on %s (retry after %s)", e.Resource, e.RetryAfter)
}

// IsConflict reports whether err is a ConcurrencyConflict.
func IsConflict(err error) bool {
	var cc *ConcurrencyConflict
	return errors.As(err, &cc)
}

// ErrNotFound is the sentinel for missing records.
var ErrNotFound = errors.New("record not found")

// ErrRetriesExhausted wraps a ConcurrencyConflict that survived the
// bounded internal retry loop.
var ErrRetriesExhausted = errors.New("retries exhausted")
