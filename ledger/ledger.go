/*
Package ledger is the append-only financial movement ledger.

PURPOSE:
  Records purchases and refunds between the two participants. Movements are
  never updated or deleted; corrections are refunds referencing the original
  purchase. The recurrence engine writes generated purchases through this
  package and relies on its external-reference dedup for idempotency.

KEY CONCEPTS IN THIS FILE (ledger.go):
  - Movement: one immutable purchase or refund
  - Store: persistence contract (create, dedup lookup, aggregates)
  - MonthlySummary: gross/refunds/net plus per-participant paid totals

SEE ALSO:
  - service.go: validation and refund-limit rules
  - memory.go: in-memory Store for tests
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// MOVEMENT
// =============================================================================

type MovementType string

const (
	MovementPurchase MovementType = "purchase"
	MovementRefund   MovementType = "refund"
)

// Movement is one immutable ledger entry.
type Movement struct {
	ID              recurrence.MovementID
	Type            MovementType
	Amount          decimal.Decimal
	Description     string
	OccurredAt      time.Time
	CompetenceMonth recurrence.Month
	PayerID         recurrence.ParticipantID
	RequesterID     recurrence.ParticipantID

	// ExternalRef deduplicates client retries and recurrence generation.
	// Unique within (competence month, payer) when present.
	ExternalRef string

	// OriginalPurchaseID is set iff Type == refund.
	OriginalPurchaseID *recurrence.MovementID

	CreatedAt time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRefundLimitExceeded is returned when a refund would push the total
	// refunded past the original purchase amount.
	ErrRefundLimitExceeded = errors.New("refund exceeds remaining refundable amount")

	// ErrMissingPurchaseRef is returned for a refund that references no
	// original purchase by id or external reference.
	ErrMissingPurchaseRef = errors.New("refund is missing original purchase reference")

	// ErrInvalidMovementType is returned for movement types other than
	// purchase and refund.
	ErrInvalidMovementType = errors.New("movement type must be purchase or refund")
)

// =============================================================================
// STORE
// =============================================================================

// ListFilter narrows movement listings; zero values mean "no filter".
type ListFilter struct {
	CompetenceMonth *recurrence.Month
	Type            *MovementType
	ParticipantID   *recurrence.ParticipantID // matches payer or requester
	ExternalRef     *string
	Limit           int
	Offset          int
}

// Store persists movements. Implementations must enforce uniqueness of
// (competence month, payer, external ref) for non-empty references at the
// storage level; the service-level dedup check only improves error messages.
type Store interface {
	// CreateMovement appends one movement. A uniqueness clash on the
	// external reference surfaces as recurrence.ErrDuplicateExternalRef.
	CreateMovement(ctx context.Context, movement *Movement) error

	// GetMovement fetches one movement, recurrence.ErrMovementNotFound when
	// absent.
	GetMovement(ctx context.Context, id recurrence.MovementID) (*Movement, error)

	// FindByExternalRef returns the purchase carrying the reference within
	// (month, payer), or nil when none exists.
	FindByExternalRef(ctx context.Context, month recurrence.Month, payerID recurrence.ParticipantID, externalRef string) (*Movement, error)

	// TotalRefunded sums the refund amounts against one purchase.
	TotalRefunded(ctx context.Context, purchaseID recurrence.MovementID) (decimal.Decimal, error)

	// ListMovements returns a page of movements plus the unpaged total,
	// newest occurred-at first.
	ListMovements(ctx context.Context, filter ListFilter) ([]*Movement, int, error)

	// MonthlyTypeTotals sums purchase and refund amounts for the month.
	MonthlyTypeTotals(ctx context.Context, month recurrence.Month) (gross, refunds decimal.Decimal, err error)

	// PaidTotalsByParticipant aggregates purchases minus refunds per payer
	// for the month.
	PaidTotalsByParticipant(ctx context.Context, month recurrence.Month) (map[recurrence.ParticipantID]decimal.Decimal, error)
}

// =============================================================================
// MONTHLY SUMMARY
// =============================================================================

// ParticipantBalance is one participant's side of a monthly equal split.
type ParticipantBalance struct {
	ParticipantID recurrence.ParticipantID
	Paid          decimal.Decimal
	Share         decimal.Decimal
	// Balance = Paid - Share. Positive means the participant is owed money.
	Balance decimal.Decimal
}

// MonthlySummary aggregates one competence month of the shared ledger.
type MonthlySummary struct {
	CompetenceMonth recurrence.Month
	GrossTotal      decimal.Decimal
	RefundTotal     decimal.Decimal
	NetTotal        decimal.Decimal
	Participants    []ParticipantBalance
}
