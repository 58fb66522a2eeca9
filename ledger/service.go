/*
service.go - Movement registration and monthly summary rules

PURPOSE:
  Validates and records purchases and refunds, and computes the monthly
  equal-split summary. Refunds are capped at the remaining refundable amount
  of their original purchase; nothing in the ledger is ever mutated.

SEE ALSO:
  - ledger.go: Movement, Store and summary types
  - recurrence/generator.go: writes generated purchases through this service
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// INPUTS
// =============================================================================

// CreateMovementInput carries one purchase or refund registration.
type CreateMovementInput struct {
	Type        MovementType
	Amount      string
	Description string
	RequesterID recurrence.ParticipantID

	// OccurredAt defaults to now; the competence month derives from it.
	OccurredAt *time.Time

	// PayerID defaults to the requester.
	PayerID *recurrence.ParticipantID

	// ExternalRef deduplicates retries within (month, payer).
	ExternalRef string

	// Refunds reference their purchase by id or by external reference.
	OriginalPurchaseID  *recurrence.MovementID
	OriginalPurchaseRef string
}

// =============================================================================
// SERVICE
// =============================================================================

// Service coordinates movement use cases over a Store.
type Service struct {
	store        Store
	participants recurrence.ParticipantDirectory
	log          zerolog.Logger
	now          func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires a Service over its collaborators.
func NewService(store Store, participants recurrence.ParticipantDirectory, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{store: store, participants: participants, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateMovement validates and appends one movement.
func (s *Service) CreateMovement(ctx context.Context, input CreateMovementInput) (*Movement, error) {
	ids, err := s.activeParticipantIDs(ctx)
	if err != nil {
		return nil, err
	}
	if !ids[input.RequesterID] {
		return nil, fmt.Errorf("requester %s: %w", input.RequesterID, recurrence.ErrUnknownParticipant)
	}
	if input.Type != MovementPurchase && input.Type != MovementRefund {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMovementType, input.Type)
	}

	payerID := input.RequesterID
	if input.PayerID != nil {
		payerID = *input.PayerID
	}
	if !ids[payerID] {
		return nil, fmt.Errorf("payer %s: %w", payerID, recurrence.ErrUnknownParticipant)
	}

	amount, err := recurrence.ParseMoney(input.Amount)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", recurrence.ErrInvalidAmount, recurrence.FormatMoney(amount))
	}

	occurredAt := s.now().UTC()
	if input.OccurredAt != nil {
		occurredAt = input.OccurredAt.UTC()
	}
	month := recurrence.MonthOf(occurredAt)

	externalRef := strings.TrimSpace(input.ExternalRef)
	if externalRef != "" {
		existing, err := s.store.FindByExternalRef(ctx, month, payerID, externalRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("external ref %q in %s: %w", externalRef, month, recurrence.ErrDuplicateExternalRef)
		}
	}

	var originalPurchaseID *recurrence.MovementID
	if input.Type == MovementRefund {
		original, err := s.resolveOriginalPurchase(ctx, input, month, payerID, amount)
		if err != nil {
			return nil, err
		}
		originalPurchaseID = &original.ID
	}

	movement := &Movement{
		ID:                 recurrence.MovementID(uuid.NewString()),
		Type:               input.Type,
		Amount:             amount,
		Description:        strings.TrimSpace(input.Description),
		OccurredAt:         occurredAt,
		CompetenceMonth:    month,
		PayerID:            payerID,
		RequesterID:        input.RequesterID,
		ExternalRef:        externalRef,
		OriginalPurchaseID: originalPurchaseID,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.CreateMovement(ctx, movement); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("movement_id", string(movement.ID)).
		Str("type", string(movement.Type)).
		Str("competence_month", month.String()).
		Str("participant_id", string(input.RequesterID)).
		Msg("movement created")
	return movement, nil
}

// GetMovement fetches one movement.
func (s *Service) GetMovement(ctx context.Context, id recurrence.MovementID) (*Movement, error) {
	return s.store.GetMovement(ctx, id)
}

// ListMovements returns a page of movements and the unpaged total.
func (s *Service) ListMovements(ctx context.Context, filter ListFilter) ([]*Movement, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.ListMovements(ctx, filter)
}

// MonthlySummary computes the equal-split settlement view for one month.
// Each participant's share is half the net total; a positive balance means
// the others owe them.
func (s *Service) MonthlySummary(ctx context.Context, month recurrence.Month) (*MonthlySummary, error) {
	gross, refunds, err := s.store.MonthlyTypeTotals(ctx, month)
	if err != nil {
		return nil, err
	}
	paid, err := s.store.PaidTotalsByParticipant(ctx, month)
	if err != nil {
		return nil, err
	}
	participants, err := s.participants.ListActiveParticipants(ctx)
	if err != nil {
		return nil, err
	}

	net := recurrence.QuantizeMoney(gross.Sub(refunds))
	share := recurrence.QuantizeMoney(net.Div(decimal.NewFromInt(int64(max(len(participants), 1)))))

	summary := &MonthlySummary{
		CompetenceMonth: month,
		GrossTotal:      recurrence.QuantizeMoney(gross),
		RefundTotal:     recurrence.QuantizeMoney(refunds),
		NetTotal:        net,
	}
	for _, p := range participants {
		paidTotal := recurrence.QuantizeMoney(paid[p.ID])
		summary.Participants = append(summary.Participants, ParticipantBalance{
			ParticipantID: p.ID,
			Paid:          paidTotal,
			Share:         share,
			Balance:       recurrence.QuantizeMoney(paidTotal.Sub(share)),
		})
	}
	return summary, nil
}

// =============================================================================
// RECURRENCE LEDGER ADAPTER
// =============================================================================

// FindMovementByExternalRef implements recurrence.Ledger.
func (s *Service) FindMovementByExternalRef(ctx context.Context, month recurrence.Month, payerID recurrence.ParticipantID, externalRef string) (*recurrence.Movement, error) {
	movement, err := s.store.FindByExternalRef(ctx, month, payerID, externalRef)
	if err != nil {
		return nil, err
	}
	if movement == nil {
		return nil, nil
	}
	return toRecurrenceMovement(movement), nil
}

// CreatePurchaseMovement implements recurrence.Ledger. Unlike the public
// CreateMovement path, the competence month comes from the caller, not from
// the occurred-at timestamp: a January rule generated late still lands in
// January.
func (s *Service) CreatePurchaseMovement(ctx context.Context, input recurrence.PurchaseInput) (*recurrence.Movement, error) {
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", recurrence.ErrInvalidAmount, recurrence.FormatMoney(input.Amount))
	}

	movement := &Movement{
		ID:              recurrence.MovementID(uuid.NewString()),
		Type:            MovementPurchase,
		Amount:          recurrence.QuantizeMoney(input.Amount),
		Description:     strings.TrimSpace(input.Description),
		OccurredAt:      input.OccurredAt,
		CompetenceMonth: input.CompetenceMonth,
		PayerID:         input.PayerID,
		RequesterID:     input.RequesterID,
		ExternalRef:     input.ExternalRef,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.CreateMovement(ctx, movement); err != nil {
		return nil, err
	}
	return toRecurrenceMovement(movement), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) resolveOriginalPurchase(ctx context.Context, input CreateMovementInput, month recurrence.Month, payerID recurrence.ParticipantID, amount decimal.Decimal) (*Movement, error) {
	var original *Movement
	var err error

	switch {
	case input.OriginalPurchaseID != nil:
		original, err = s.store.GetMovement(ctx, *input.OriginalPurchaseID)
		if err != nil {
			return nil, err
		}
	case strings.TrimSpace(input.OriginalPurchaseRef) != "":
		original, err = s.store.FindByExternalRef(ctx, month, payerID, strings.TrimSpace(input.OriginalPurchaseRef))
		if err != nil {
			return nil, err
		}
		if original == nil {
			return nil, fmt.Errorf("purchase ref %q: %w", input.OriginalPurchaseRef, recurrence.ErrMovementNotFound)
		}
	default:
		return nil, ErrMissingPurchaseRef
	}

	if original.Type != MovementPurchase {
		return nil, fmt.Errorf("movement %s is not a purchase: %w", original.ID, recurrence.ErrMovementNotFound)
	}

	refunded, err := s.store.TotalRefunded(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	if refunded.Add(amount).GreaterThan(original.Amount) {
		s.log.Warn().
			Str("purchase_id", string(original.ID)).
			Str("requested_refund_amount", recurrence.FormatMoney(amount)).
			Str("already_refunded", recurrence.FormatMoney(refunded)).
			Msg("refund rejected")
		return nil, fmt.Errorf("purchase %s: %w", original.ID, ErrRefundLimitExceeded)
	}
	return original, nil
}

func (s *Service) activeParticipantIDs(ctx context.Context) (map[recurrence.ParticipantID]bool, error) {
	participants, err := s.participants.ListActiveParticipants(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[recurrence.ParticipantID]bool, len(participants))
	for _, p := range participants {
		ids[p.ID] = true
	}
	return ids, nil
}

func toRecurrenceMovement(movement *Movement) *recurrence.Movement {
	return &recurrence.Movement{
		ID:              movement.ID,
		Amount:          movement.Amount,
		Description:     movement.Description,
		CompetenceMonth: movement.CompetenceMonth,
		OccurredAt:      movement.OccurredAt,
		PayerID:         movement.PayerID,
		RequesterID:     movement.RequesterID,
		ExternalRef:     movement.ExternalRef,
		CreatedAt:       movement.CreatedAt,
	}
}
