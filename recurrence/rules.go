/*
rules.go - Recurrence rule lifecycle service

PURPOSE:
  Create, list, update, pause, reactivate and end recurrence rules. All
  business validation lives here, in front of the stores: participant
  checks, split-mode support, month-range invariants, the start-month lock,
  and lifecycle transition rules. Every successful mutation appends an
  audit event.

LIFECYCLE:
  created active; active <-> paused any number of times; active or paused
  -> ended, which is terminal. Illegal moves surface as StateTransitionError
  and are never silently ignored.

SEE ALSO:
  - generator.go: consumes rules this service manages
  - stores.go: RuleStore and ParticipantDirectory contracts
*/
package recurrence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

// CreateRuleInput carries everything needed to create one monthly rule.
type CreateRuleInput struct {
	Description  string
	Amount       string
	PayerID      ParticipantID
	RequesterID  ParticipantID
	SplitConfig  SplitConfig
	ReferenceDay int
	StartMonth   Month
	EndMonth     *Month
}

// UpdateRuleInput updates only the provided fields (field-level last write
// wins). RequesterID is always recorded as the acting participant.
type UpdateRuleInput struct {
	RuleID        RuleID
	RequesterID   ParticipantID
	Description   *string
	Amount        *string
	PayerID       *ParticipantID
	SplitConfig   SplitConfig
	ReferenceDay  *int
	StartMonth    *Month
	EndMonth      *Month
	ClearEndMonth bool
}

// EndRuleInput ends a rule, optionally rewriting its end month.
type EndRuleInput struct {
	RuleID      RuleID
	RequesterID ParticipantID
	EndMonth    *Month
}

// =============================================================================
// RULE SERVICE
// =============================================================================

// RuleService coordinates recurrence rule use cases.
type RuleService struct {
	rules        RuleStore
	events       EventLog
	participants ParticipantDirectory
	log          zerolog.Logger
	now          func() time.Time
}

// NewRuleService wires a RuleService over its collaborators.
func NewRuleService(rules RuleStore, events EventLog, participants ParticipantDirectory, log zerolog.Logger) *RuleService {
	return &RuleService{
		rules:        rules,
		events:       events,
		participants: participants,
		log:          log,
		now:          time.Now,
	}
}

// Create validates and persists one active monthly rule. The start month is
// normalized to the first of its month; the cursor starts there.
func (s *RuleService) Create(ctx context.Context, input CreateRuleInput) (*RecurrenceRule, error) {
	ids, err := s.activeParticipantIDs(ctx)
	if err != nil {
		return nil, err
	}
	if !ids[input.RequesterID] {
		return nil, fmt.Errorf("requester %s: %w", input.RequesterID, ErrUnknownParticipant)
	}
	if !ids[input.PayerID] {
		return nil, fmt.Errorf("payer %s: %w", input.PayerID, ErrUnknownParticipant)
	}
	if !input.SplitConfig.IsEqual() {
		return nil, fmt.Errorf("mode %q: %w", input.SplitConfig.Mode(), ErrUnsupportedSplitMode)
	}
	if input.ReferenceDay < 1 || input.ReferenceDay > 31 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidReferenceDay, input.ReferenceDay)
	}
	if input.EndMonth != nil && input.EndMonth.Before(input.StartMonth) {
		return nil, ErrInvalidMonthRange
	}

	amount, err := ParseMoney(input.Amount)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, FormatMoney(amount))
	}

	now := s.now().UTC()
	rule := &RecurrenceRule{
		ID:           RuleID(uuid.NewString()),
		Description:  strings.TrimSpace(input.Description),
		Amount:       amount,
		PayerID:      input.PayerID,
		RequesterID:  input.RequesterID,
		SplitConfig:  input.SplitConfig,
		ReferenceDay: input.ReferenceDay,
		StartMonth:   input.StartMonth,
		EndMonth:     input.EndMonth,
		Status:       RuleActive,
		NextMonth:    input.StartMonth,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, rule.ID, EventRuleCreated, input.RequesterID, map[string]any{
		"status":                 string(rule.Status),
		"next_competence_month":  rule.NextMonth.String(),
	})
	return rule, nil
}

// List returns a page of rules and the unpaged total.
func (s *RuleService) List(ctx context.Context, filter RuleListFilter) ([]*RecurrenceRule, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.rules.ListRules(ctx, filter)
}

// Get fetches one rule.
func (s *RuleService) Get(ctx context.Context, id RuleID) (*RecurrenceRule, error) {
	return s.rules.GetRule(ctx, id)
}

// Events returns the audit trail of one rule, oldest first.
func (s *RuleService) Events(ctx context.Context, id RuleID) ([]*Event, error) {
	if _, err := s.rules.GetRule(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, id)
}

// Update applies a field-granular update after revalidating invariants.
// Once a rule has generated at least once its start month is immutable.
func (s *RuleService) Update(ctx context.Context, input UpdateRuleInput) (*RecurrenceRule, error) {
	ids, err := s.activeParticipantIDs(ctx)
	if err != nil {
		return nil, err
	}
	if !ids[input.RequesterID] {
		return nil, fmt.Errorf("requester %s: %w", input.RequesterID, ErrUnknownParticipant)
	}
	if input.PayerID != nil && !ids[*input.PayerID] {
		return nil, fmt.Errorf("payer %s: %w", *input.PayerID, ErrUnknownParticipant)
	}
	if input.SplitConfig != nil && !input.SplitConfig.IsEqual() {
		return nil, fmt.Errorf("mode %q: %w", input.SplitConfig.Mode(), ErrUnsupportedSplitMode)
	}
	if input.ReferenceDay != nil && (*input.ReferenceDay < 1 || *input.ReferenceDay > 31) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidReferenceDay, *input.ReferenceDay)
	}

	var amount *decimal.Decimal
	if input.Amount != nil {
		parsed, err := ParseMoney(*input.Amount)
		if err != nil {
			return nil, err
		}
		if !parsed.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, FormatMoney(parsed))
		}
		amount = &parsed
	}

	rule, err := s.rules.GetRule(ctx, input.RuleID)
	if err != nil {
		return nil, err
	}

	if input.StartMonth != nil && rule.FirstGeneratedMonth != nil && !input.StartMonth.Equal(rule.StartMonth) {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, ErrStartMonthLocked)
	}

	effectiveStart := rule.StartMonth
	if input.StartMonth != nil {
		effectiveStart = *input.StartMonth
	}
	effectiveEnd := rule.EndMonth
	if input.ClearEndMonth {
		effectiveEnd = nil
	} else if input.EndMonth != nil {
		effectiveEnd = input.EndMonth
	}
	if effectiveEnd != nil && effectiveEnd.Before(effectiveStart) {
		return nil, ErrInvalidMonthRange
	}

	updated, err := s.rules.UpdateRule(ctx, input.RuleID, RuleUpdate{
		Description:   input.Description,
		Amount:        amount,
		PayerID:       input.PayerID,
		SplitConfig:   input.SplitConfig,
		ReferenceDay:  input.ReferenceDay,
		StartMonth:    input.StartMonth,
		EndMonth:      input.EndMonth,
		ClearEndMonth: input.ClearEndMonth,
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, updated.ID, EventRuleUpdated, input.RequesterID, map[string]any{
		"status":                string(updated.Status),
		"next_competence_month": updated.NextMonth.String(),
	})
	return updated, nil
}

// Pause suspends an active rule.
func (s *RuleService) Pause(ctx context.Context, ruleID RuleID, requesterID ParticipantID, reason string) (*RecurrenceRule, error) {
	if err := s.ensureActiveParticipant(ctx, requesterID); err != nil {
		return nil, err
	}
	rule, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != RuleActive {
		return nil, &StateTransitionError{RuleID: ruleID, From: string(rule.Status), To: string(RulePaused)}
	}

	paused, err := s.rules.SetRuleStatus(ctx, ruleID, RulePaused, nil)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"status": string(paused.Status)}
	if reason != "" {
		payload["reason"] = reason
	}
	s.appendEvent(ctx, paused.ID, EventRulePaused, requesterID, payload)
	return paused, nil
}

// Reactivate resumes a paused rule. The cursor is untouched, so months
// skipped while paused are caught up one at a time by later generation
// calls, oldest first.
func (s *RuleService) Reactivate(ctx context.Context, ruleID RuleID, requesterID ParticipantID) (*RecurrenceRule, error) {
	if err := s.ensureActiveParticipant(ctx, requesterID); err != nil {
		return nil, err
	}
	rule, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != RulePaused {
		return nil, &StateTransitionError{RuleID: ruleID, From: string(rule.Status), To: string(RuleActive)}
	}

	active, err := s.rules.SetRuleStatus(ctx, ruleID, RuleActive, nil)
	if err != nil {
		return nil, err
	}
	s.appendEvent(ctx, active.ID, EventRuleReactivated, requesterID, map[string]any{
		"status": string(active.Status),
	})
	return active, nil
}

// End terminates an active or paused rule. Terminal: there is no way out of
// ended.
func (s *RuleService) End(ctx context.Context, input EndRuleInput) (*RecurrenceRule, error) {
	if err := s.ensureActiveParticipant(ctx, input.RequesterID); err != nil {
		return nil, err
	}
	rule, err := s.rules.GetRule(ctx, input.RuleID)
	if err != nil {
		return nil, err
	}
	if rule.Status == RuleEnded {
		return nil, &StateTransitionError{RuleID: input.RuleID, From: string(rule.Status), To: string(RuleEnded)}
	}
	if input.EndMonth != nil && input.EndMonth.Before(rule.StartMonth) {
		return nil, ErrInvalidMonthRange
	}

	ended, err := s.rules.SetRuleStatus(ctx, input.RuleID, RuleEnded, input.EndMonth)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"status": string(ended.Status)}
	if ended.EndMonth != nil {
		payload["end_competence_month"] = ended.EndMonth.String()
	}
	s.appendEvent(ctx, ended.ID, EventRuleEnded, input.RequesterID, payload)
	return ended, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *RuleService) activeParticipantIDs(ctx context.Context) (map[ParticipantID]bool, error) {
	participants, err := s.participants.ListActiveParticipants(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[ParticipantID]bool, len(participants))
	for _, p := range participants {
		ids[p.ID] = true
	}
	return ids, nil
}

func (s *RuleService) ensureActiveParticipant(ctx context.Context, id ParticipantID) error {
	ids, err := s.activeParticipantIDs(ctx)
	if err != nil {
		return err
	}
	if !ids[id] {
		return fmt.Errorf("requester %s: %w", id, ErrUnknownParticipant)
	}
	return nil
}

// appendEvent writes an audit event. Append errors are logged but never fail
// the lifecycle operation they describe.
func (s *RuleService) appendEvent(ctx context.Context, ruleID RuleID, eventType EventType, actor ParticipantID, payload map[string]any) {
	actorID := actor
	err := s.events.Append(ctx, &Event{
		RuleID:    ruleID,
		Type:      eventType,
		ActorID:   &actorID,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("rule_id", string(ruleID)).
			Str("event_type", string(eventType)).
			Msg("failed to append recurrence event")
	}
}
