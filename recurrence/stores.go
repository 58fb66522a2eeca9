/*
stores.go - Persistence interfaces for the recurrence engine

PURPOSE:
  Defines the contracts between the engine and storage. The orchestrator and
  rule service are written against these interfaces so they can be tested
  with in-memory fakes and run against SQLite or PostgreSQL unchanged.

KEY INTERFACES:
  RuleStore:            Rule CRUD, eligibility claiming, cursor updates
  OccurrenceStore:      Idempotent occurrence creation and status mutation
  EventLog:             Append-only audit trail
  Ledger:               External movement ledger (create + idempotency lookup)
  ParticipantDirectory: The two active participants

CLAIMING CONTRACT:
  ListEligibleForGeneration hands each returned rule to exactly one caller:
  rules currently claimed by a concurrent caller are skipped, not waited on.
  PostgreSQL implements this with FOR UPDATE SKIP LOCKED; SQLite with a
  lease column. The engine only relies on the effect: no two concurrent
  generation runs process the same rule.

IDEMPOTENCY CONTRACT:
  CreatePendingIfMissing must ride a storage-level uniqueness constraint on
  (rule id, competence month) - insert, and on conflict re-fetch. A
  check-then-insert implementation is race-prone and forbidden.

SEE ALSO:
  - store/memory.go: in-memory implementations for tests
  - store/sqlite, store/postgres: production implementations
*/
package recurrence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE STORE
// =============================================================================

// RuleUpdate carries the fields of a rule update. Nil pointers leave the
// field untouched (last-write-wins at field granularity, not whole-record).
type RuleUpdate struct {
	Description   *string
	Amount        *decimal.Decimal
	PayerID       *ParticipantID
	SplitConfig   SplitConfig
	ReferenceDay  *int
	StartMonth    *Month
	EndMonth      *Month
	ClearEndMonth bool
}

// RuleListFilter narrows rule listings.
type RuleListFilter struct {
	Status          *RuleStatus
	CompetenceMonth *Month // rules whose [start, end] window covers the month
	Limit           int
	Offset          int
}

// RuleStore persists recurrence rules.
type RuleStore interface {
	// CreateRule persists a new rule with version 1.
	CreateRule(ctx context.Context, rule *RecurrenceRule) error

	// GetRule fetches one rule, ErrRuleNotFound when absent.
	GetRule(ctx context.Context, id RuleID) (*RecurrenceRule, error)

	// ListRules returns a page of rules plus the unpaged total, newest first.
	ListRules(ctx context.Context, filter RuleListFilter) ([]*RecurrenceRule, int, error)

	// ListEligibleForGeneration returns up to limit rules eligible for the
	// month (active, window covers month, cursor not yet past it), ordered
	// by (next month, id), each claimed for this caller; rules claimed by a
	// concurrent caller are skipped.
	ListEligibleForGeneration(ctx context.Context, month Month, limit int) ([]*RecurrenceRule, error)

	// ReleaseGenerationClaim returns a claimed rule to the eligible pool.
	// No-op when the rule no longer exists or holds no claim.
	ReleaseGenerationClaim(ctx context.Context, id RuleID) error

	// UpdateGenerationCursor records a successful generation: sets the first
	// generated month if unset, the last generated month, the next-month
	// cursor, and increments version. Silently no-ops when the rule is gone.
	UpdateGenerationCursor(ctx context.Context, id RuleID, processed, next Month) error

	// UpdateRule applies the provided fields and increments version.
	UpdateRule(ctx context.Context, id RuleID, update RuleUpdate) (*RecurrenceRule, error)

	// SetRuleStatus transitions the lifecycle status and increments version.
	// Optionally rewrites the end month (used by the end operation).
	SetRuleStatus(ctx context.Context, id RuleID, status RuleStatus, endMonth *Month) (*RecurrenceRule, error)
}

// =============================================================================
// OCCURRENCE STORE
// =============================================================================

// OccurrenceStore persists per-(rule, month) generation records.
type OccurrenceStore interface {
	// CreatePendingIfMissing inserts a pending occurrence, or returns the
	// existing one when the (rule, month) pair already has a row. The bool
	// reports whether a row was created. Safe under concurrent callers.
	CreatePendingIfMissing(ctx context.Context, ruleID RuleID, month Month, scheduledDate time.Time) (*Occurrence, bool, error)

	// GetOccurrence fetches one occurrence, ErrOccurrenceNotFound when absent.
	GetOccurrence(ctx context.Context, ruleID RuleID, month Month) (*Occurrence, error)

	// MarkGenerated moves an occurrence to generated, linking the movement,
	// clearing blocked/failure fields, bumping the attempt count.
	MarkGenerated(ctx context.Context, id OccurrenceID, movementID MovementID) error

	// MarkBlocked moves an occurrence to blocked with a reason code+message.
	MarkBlocked(ctx context.Context, id OccurrenceID, code, message string) error

	// MarkFailed moves an occurrence to failed with a failure reason.
	MarkFailed(ctx context.Context, id OccurrenceID, reason string) error

	// ResetToPending is the administrative retry: failed -> pending only.
	// Any other current status yields a StateTransitionError.
	ResetToPending(ctx context.Context, id OccurrenceID) error

	// ListOccurrences returns all occurrences for a rule, oldest month first.
	ListOccurrences(ctx context.Context, ruleID RuleID) ([]*Occurrence, error)
}

// =============================================================================
// EVENT LOG
// =============================================================================

// EventLog is the append-only audit trail. Append never fails on business
// grounds; all validation happens before calling it.
type EventLog interface {
	Append(ctx context.Context, event *Event) error

	// ListEvents returns events for a rule, oldest first.
	ListEvents(ctx context.Context, ruleID RuleID) ([]*Event, error)
}

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// Ledger is the engine's view of the financial movement ledger. The engine
// never mutates movements: it creates purchases and reads them back for
// idempotency checks.
type Ledger interface {
	// FindMovementByExternalRef returns the purchase carrying the reference
	// within (month, payer), or nil when none exists.
	FindMovementByExternalRef(ctx context.Context, month Month, payerID ParticipantID, externalRef string) (*Movement, error)

	// CreatePurchaseMovement appends one purchase movement.
	CreatePurchaseMovement(ctx context.Context, input PurchaseInput) (*Movement, error)
}

// PurchaseInput carries everything the ledger needs for one generated purchase.
type PurchaseInput struct {
	Amount          decimal.Decimal
	Description     string
	CompetenceMonth Month
	OccurredAt      time.Time
	PayerID         ParticipantID
	RequesterID     ParticipantID
	ExternalRef     string
}

// ParticipantDirectory supplies the two active participants used to validate
// rule payer/requester fields.
type ParticipantDirectory interface {
	ListActiveParticipants(ctx context.Context) ([]*Participant, error)
}
