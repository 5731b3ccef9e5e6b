/*
errors.go - Centralized error types for the planner core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Surfaces (HTTP bridge, tool server) classify errors with the helpers at
  the bottom of this file instead of matching on messages.

ERROR CATEGORIES:
  1. Input errors - Invalid schedule input, invalid fields, duplicate names
  2. Lookup errors - Referenced entity or history entry does not exist
  3. Sync errors - Stale writes rejected by the backend, backend unreachable
  4. History errors - Snapshot persistence failed, mutation rolled back

USAGE:
  if errors.Is(err, calendar.ErrStaleWrite) {
      // re-read the entity and retry
  }

  var conflict *calendar.StaleWriteError
  if errors.As(err, &conflict) {
      log.Printf("remote at revision %d", conflict.Current)
  }

SEE ALSO:
  - history.go: Returns HistoryWriteError
  - scheduler.go: Returns ScheduleInputError
  - store.go: Backends return StaleWriteError and RemoteError
*/
package calendar

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidScheduleInput is returned when a plan cannot be generated
	// from the given outline, due date or capacity.
	ErrInvalidScheduleInput = errors.New("invalid schedule input")

	// ErrInvalidInput is returned when entity fields fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateName is returned when a category name is already used by
	// another category of the same owner.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrEntityNotFound is returned when a referenced entity or history entry
	// doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStaleWrite is returned when a write is based on a revision older than
	// the one the backend currently holds.
	ErrStaleWrite = errors.New("stale write conflict")

	// ErrHistoryWrite is returned when the history entry for a mutation could
	// not be persisted. The mutation has been rolled back.
	ErrHistoryWrite = errors.New("history write failure")

	// ErrRemoteUnavailable is returned for transient backend failures.
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ScheduleInputError names the plan input that was rejected.
type ScheduleInputError struct {
	Field  string
	Reason string
}

func (e *ScheduleInputError) Error() string {
	return fmt.Sprintf("invalid schedule input: %s: %s", e.Field, e.Reason)
}

func (e *ScheduleInputError) Unwrap() error {
	return ErrInvalidScheduleInput
}

// ValidationError names the entity field that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Key.Kind, e.Key.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrEntityNotFound
}

// StaleWriteError reports the revisions involved in a rejected write.
type StaleWriteError struct {
	Key     Key
	Base    Revision
	Current Revision
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on %s: based on revision %d, current revision %d",
		e.Key, e.Base, e.Current)
}

func (e *StaleWriteError) Unwrap() error {
	return ErrStaleWrite
}

// HistoryWriteError wraps the journal failure that aborted a mutation.
type HistoryWriteError struct {
	Action Action
	Err    error
}

func (e *HistoryWriteError) Error() string {
	return fmt.Sprintf("history write failed for %s: %v", e.Action, e.Err)
}

func (e *HistoryWriteError) Unwrap() []error {
	return []error{ErrHistoryWrite, e.Err}
}

// RemoteError wraps a transient backend failure.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote unavailable during %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemoteUnavailable, e.Err}
}

// Unavailable wraps err as a transient backend failure for op.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Op: op, Err: err}
}

func NotFound(k Key) error {
	return &NotFoundError{Key: k}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidScheduleInput) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateName)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// IsConflict returns true if the write was rejected as stale.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStaleWrite)
}
