/*
errors.go - Centralized error types for the recurrence engine

PURPOSE:
  All error types in one place for consistency and discoverability.

ERROR CATEGORIES:
  1. Validation errors - rejected synchronously at rule creation/update
  2. State-transition errors - illegal lifecycle moves, never silent
  3. Store/ledger errors - persistence and dedup failures

Business "blocked" outcomes are NOT errors: a rule whose split mode stopped
being supported produces a blocked occurrence with a reason code, counted
separately from failures and non-fatal to the batch.

USAGE:
  if errors.Is(err, recurrence.ErrStartMonthLocked) { ... }

  var stErr *recurrence.StateTransitionError
  if errors.As(err, &stErr) { ... }
*/
package recurrence

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidMonth is returned when month arithmetic or parsing produces
	// something outside the representable range.
	ErrInvalidMonth = errors.New("invalid competence month")

	// ErrInvalidReferenceDay is returned for reference days outside [1, 31].
	ErrInvalidReferenceDay = errors.New("reference day must be between 1 and 31")

	// ErrInvalidMonthRange is returned when an end month precedes the start month.
	ErrInvalidMonthRange = errors.New("end competence month is earlier than start competence month")

	// ErrUnsupportedSplitMode is returned at creation/update time for any
	// split mode other than equal.
	ErrUnsupportedSplitMode = errors.New("split mode is not supported; use equal")

	// ErrInvalidAmount is returned for non-positive rule amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnknownParticipant is returned when a payer or requester id is not
	// one of the two active participants.
	ErrUnknownParticipant = errors.New("participant is not active")

	// ErrStartMonthLocked is returned when changing the start month after
	// the first successful generation.
	ErrStartMonthLocked = errors.New("start competence month cannot change after first generation")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("recurrence rule not found")

	// ErrOccurrenceNotFound is returned when a referenced occurrence doesn't exist.
	ErrOccurrenceNotFound = errors.New("occurrence not found")

	// ErrMovementNotFound is returned when a referenced movement doesn't exist.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrInvalidStateTransition is returned for illegal lifecycle moves
	// (pausing a paused rule, ending an ended rule, resetting a generated
	// occurrence).
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateExternalRef is returned when movement dedup rejects a
	// duplicated external reference outside the expected idempotency path.
	ErrDuplicateExternalRef = errors.New("duplicate external reference")

	// ErrStoreConflict is returned when a storage-level constraint rejects a
	// write that is not attributable to an expected idempotency race.
	ErrStoreConflict = errors.New("storage constraint violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StateTransitionError describes an illegal rule or occurrence lifecycle move.
type StateTransitionError struct {
	RuleID RuleID
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for rule %s: %s -> %s", e.RuleID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ErrorCode maps a domain error to a stable machine-readable code for API
// responses. Unrecognized errors map to the empty string.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMonth):
		return "invalid_competence_month"
	case errors.Is(err, ErrInvalidReferenceDay):
		return "invalid_reference_day"
	case errors.Is(err, ErrInvalidMonthRange):
		return "invalid_month_range"
	case errors.Is(err, ErrUnsupportedSplitMode):
		return "unsupported_split_mode"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrStartMonthLocked):
		return "start_month_locked"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrRuleNotFound):
		return "recurrence_not_found"
	case errors.Is(err, ErrOccurrenceNotFound):
		return "occurrence_not_found"
	case errors.Is(err, ErrMovementNotFound):
		return "movement_not_found"
	case errors.Is(err, ErrDuplicateExternalRef):
		return "duplicate_external_reference"
	case errors.Is(err, ErrStoreConflict):
		return "conflict"
	}
	return ""
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrInvalidReferenceDay) ||
		errors.Is(err, ErrInvalidMonthRange) ||
		errors.Is(err, ErrUnsupportedSplitMode) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownParticipant) ||
		errors.Is(err, ErrStartMonthLocked) ||
		errors.Is(err, ErrInvalidStateTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrOccurrenceNotFound) ||
		errors.Is(err, ErrMovementNotFound)
}

// IsConflict returns true if the error indicates a uniqueness clash.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateExternalRef) ||
		errors.Is(err, ErrStoreConflict)
}
