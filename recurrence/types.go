/*
Package recurrence provides the recurrence generation engine.

PURPOSE:
  This package contains the domain types and algorithms for projecting
  recurring shared expenses into dated financial movements. A standing
  RecurrenceRule describes one monthly purchase; the generation engine
  materializes at most one movement per (rule, competence month) pair,
  idempotently and under concurrent invocations.

KEY CONCEPTS IN THIS FILE (types.go):
  - RecurrenceRule: a standing instruction to produce one monthly purchase
  - Occurrence: the per-(rule, month) execution record
  - Event: an append-only audit fact about rule lifecycle and generation
  - Rule/Occurrence/Event/Movement/Participant IDs: type-safe identifiers

DESIGN PRINCIPLES:
  1. Idempotency: one occurrence and one movement per (rule, month), ever
  2. Precision: decimal.Decimal for money, no floating point
  3. Auditability: every decision leaves an Event behind
  4. Isolation: one rule's failure never touches another rule

SEE ALSO:
  - schedule.go: competence month arithmetic and calendar clamping
  - generator.go: the per-rule generation state machine
  - rules.go: rule lifecycle (create, update, pause, reactivate, end)
  - stores.go: persistence interfaces
*/
package recurrence

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type OccurrenceID string
type EventID string
type MovementID string
type ParticipantID string

// =============================================================================
// SPLIT CONFIGURATION
// =============================================================================

// SplitModeEqual is the only split mode this version generates movements for.
// Other modes are rejected at rule creation and blocked at generation time.
const SplitModeEqual = "equal"

// SplitConfig describes how a generated purchase is divided between the two
// participants. Stored as free-form key/value so future modes can carry
// mode-specific settings without a schema change.
type SplitConfig map[string]any

// Mode returns the trimmed split mode, or "" when absent.
func (c SplitConfig) Mode() string {
	mode, _ := c["mode"].(string)
	return strings.TrimSpace(mode)
}

// IsEqual reports whether the split mode is the supported equal split.
func (c SplitConfig) IsEqual() bool { return c.Mode() == SplitModeEqual }

// =============================================================================
// RECURRENCE RULE - Standing instruction for one monthly purchase
// =============================================================================

type RuleStatus string

const (
	RuleActive RuleStatus = "active"
	RulePaused RuleStatus = "paused"
	RuleEnded  RuleStatus = "ended"
)

// RecurrenceRule is a standing instruction to produce one purchase movement
// per competence month while active and inside its [start, end] window.
//
// INVARIANTS:
//   - NextCompetenceMonth is always a first-of-month value.
//   - StartCompetenceMonth is immutable once FirstGeneratedMonth is set.
//   - EndCompetenceMonth, when set, is never before StartCompetenceMonth.
//   - Version increases on every mutation (optimistic concurrency signal
//     for clients; locking is the store's job).
type RecurrenceRule struct {
	ID          RuleID
	Description string
	Amount      decimal.Decimal
	PayerID     ParticipantID
	RequesterID ParticipantID
	SplitConfig SplitConfig

	ReferenceDay int // 1-31, calendar-clamped per month
	StartMonth   Month
	EndMonth     *Month
	Status       RuleStatus

	// Generation cursor. FirstGeneratedMonth stays nil until the first
	// successful generation; NextMonth is the next month eligible for
	// generation and only ever advances one month at a time.
	FirstGeneratedMonth *Month
	LastGeneratedMonth  *Month
	NextMonth           Month

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CoversMonth reports whether the rule's [start, end] window includes month.
func (r *RecurrenceRule) CoversMonth(month Month) bool {
	if month.Before(r.StartMonth) {
		return false
	}
	if r.EndMonth != nil && month.After(*r.EndMonth) {
		return false
	}
	return true
}

// =============================================================================
// OCCURRENCE - One generation attempt for one (rule, month)
// =============================================================================

type OccurrenceStatus string

const (
	OccurrencePending   OccurrenceStatus = "pending"
	OccurrenceGenerated OccurrenceStatus = "generated"
	OccurrenceBlocked   OccurrenceStatus = "blocked"
	OccurrenceFailed    OccurrenceStatus = "failed"
)

// Occurrence records one processing outcome for a (rule, competence month)
// pair. Exactly one occurrence ever exists per pair, enforced by a storage
// level uniqueness constraint.
//
// Legal transitions: pending->generated, pending->blocked, pending->failed,
// failed->pending (administrative retry). generated and blocked never
// transition back through any exposed operation.
type Occurrence struct {
	ID              OccurrenceID
	RuleID          RuleID
	CompetenceMonth Month
	ScheduledDate   time.Time
	Status          OccurrenceStatus

	// MovementID is set iff Status == generated.
	MovementID *MovementID

	// BlockedCode/BlockedMessage are set iff Status == blocked.
	BlockedCode    string
	BlockedMessage string

	// FailureReason is set when Status == failed.
	FailureReason string

	AttemptCount int
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// EVENT - Append-only audit fact
// =============================================================================

type EventType string

const (
	EventRuleCreated     EventType = "recurrence_created"
	EventRuleUpdated     EventType = "recurrence_updated"
	EventRulePaused      EventType = "recurrence_paused"
	EventRuleReactivated EventType = "recurrence_reactivated"
	EventRuleEnded       EventType = "recurrence_ended"
	EventGenerated       EventType = "recurrence_generated"
	EventBlocked         EventType = "recurrence_blocked"
	EventFailed          EventType = "recurrence_failed"
	EventIgnored         EventType = "recurrence_ignored"
)

// Event is an immutable audit record. Never updated, never deleted.
type Event struct {
	ID           EventID
	RuleID       RuleID
	OccurrenceID *OccurrenceID
	Type         EventType
	ActorID      *ParticipantID
	Payload      map[string]any
	CreatedAt    time.Time
}

// =============================================================================
// PARTICIPANT - One of the two people sharing expenses
// =============================================================================

// Participant is one person in the shared-expense pair. The engine validates
// rule payer/requester fields against the active pair at rule creation and
// update time, never during generation.
type Participant struct {
	ID          ParticipantID
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// =============================================================================
// MOVEMENT - The ledger's view of a generated purchase
// =============================================================================

// Movement is the slice of the financial ledger's record that the generation
// engine needs: enough to link an occurrence to its movement and to detect a
// movement that a prior crashed attempt already created.
type Movement struct {
	ID              MovementID
	Amount          decimal.Decimal
	Description     string
	CompetenceMonth Month
	OccurredAt      time.Time
	PayerID         ParticipantID
	RequesterID     ParticipantID
	ExternalRef     string
	CreatedAt       time.Time
}
