/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error kinds in one place. Only structural and transactional problems
  are errors; bad cells degrade to safe defaults in normalize.go and never
  surface here.

ERROR CATEGORIES:
  1. Input errors - rejected before any transaction is opened
  2. Transaction errors - the batch rolled back, safe to retry the file
  3. Resolution errors - key minting could not find a free key

USAGE:
  report, err := reconciler.Import(ctx, grid, "march.xlsx")
  if roster.IsRetryable(err) {
      // retry the whole file, never individual rows
  }
*/
package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEmptyInput is returned when the grid has no rows.
	ErrEmptyInput = errors.New("empty input: the sheet has no rows")

	// ErrHeaderNotFound is returned when no row within the scan window
	// carries both a name and a contact label.
	ErrHeaderNotFound = errors.New("header not found: need a name column and a contact column")

	// ErrTransactionTimeout is returned when the batch could not acquire or
	// finish its transaction within bounds.
	ErrTransactionTimeout = errors.New("transaction timeout")

	// ErrTransactionConflict is returned when a concurrent writer raced for
	// the same rows or the store reported a constraint violation.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrStoreUnavailable is returned for infrastructural store failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrKeySpaceExhausted is returned when every attempt to mint a free
	// synthetic or suffixed key collided.
	ErrKeySpaceExhausted = errors.New("could not mint a free key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// BatchError reports why a whole file was rejected or rolled back.
// Kind is one of the sentinels above; Err is the underlying cause.
type BatchError struct {
	RunID string
	Line  int // grid row being processed, 0 if not row-specific
	Kind  error
	Err   error
}

func (e *BatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Line > 0 {
		fmt.Fprintf(&b, " at row %d", e.Line)
	}
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ConflictError is returned by stores when a write violates a uniqueness
// rule that the transaction could not have seen coming.
type ConflictError struct {
	Key CanonicalKey
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write on key %q: %v", e.Key, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrTransactionConflict, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ClassifyStoreError maps a store failure onto a transaction error kind.
func ClassifyStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransactionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ErrTransactionTimeout
	case errors.Is(err, ErrTransactionConflict):
		return ErrTransactionConflict
	case errors.Is(err, ErrKeySpaceExhausted):
		return ErrKeySpaceExhausted
	default:
		return ErrStoreUnavailable
	}
}

// IsRetryable returns true if retrying the whole file might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionTimeout) ||
		errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the file itself is unusable.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, ErrHeaderNotFound)
}
