// Package store provides recurrence store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements RuleStore, OccurrenceStore, EventLog and
// ParticipantDirectory behind one mutex. Claims are plain booleans: the
// caller that flips one owns the rule until it releases it, which is all
// the skip-semantics the engine relies on.
type Memory struct {
	mu           sync.RWMutex
	rules        map[recurrence.RuleID]*recurrence.RecurrenceRule
	claims       map[recurrence.RuleID]bool
	occurrences  map[occurrenceKey]*recurrence.Occurrence
	occByID      map[recurrence.OccurrenceID]*recurrence.Occurrence
	events       map[recurrence.RuleID][]*recurrence.Event
	participants []*recurrence.Participant
}

type occurrenceKey struct {
	ruleID recurrence.RuleID
	month  string
}

func NewMemory() *Memory {
	return &Memory{
		rules:       make(map[recurrence.RuleID]*recurrence.RecurrenceRule),
		claims:      make(map[recurrence.RuleID]bool),
		occurrences: make(map[occurrenceKey]*recurrence.Occurrence),
		occByID:     make(map[recurrence.OccurrenceID]*recurrence.Occurrence),
		events:      make(map[recurrence.RuleID][]*recurrence.Event),
	}
}

// AddParticipant registers a participant in the directory.
func (m *Memory) AddParticipant(p *recurrence.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.participants = append(m.participants, &cp)
}

func (m *Memory) ListActiveParticipants(_ context.Context) ([]*recurrence.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*recurrence.Participant
	for _, p := range m.participants {
		if p.Active {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

// =============================================================================
// RULE STORE
// =============================================================================

func (m *Memory) CreateRule(_ context.Context, rule *recurrence.RecurrenceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.ID]; ok {
		return fmt.Errorf("rule %s: %w", rule.ID, recurrence.ErrStoreConflict)
	}
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (m *Memory) GetRule(_ context.Context, id recurrence.RuleID) (*recurrence.RecurrenceRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRuleLocked(id)
}

func (m *Memory) getRuleLocked(id recurrence.RuleID) (*recurrence.RecurrenceRule, error) {
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	return cloneRule(rule), nil
}

func (m *Memory) ListRules(_ context.Context, filter recurrence.RuleListFilter) ([]*recurrence.RecurrenceRule, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*recurrence.RecurrenceRule
	for _, rule := range m.rules {
		if filter.Status != nil && rule.Status != *filter.Status {
			continue
		}
		if filter.CompetenceMonth != nil && !rule.CoversMonth(*filter.CompetenceMonth) {
			continue
		}
		matched = append(matched, rule)
	}

	// Newest first, id as tiebreaker so pagination is stable.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	result := make([]*recurrence.RecurrenceRule, len(matched))
	for i, rule := range matched {
		result[i] = cloneRule(rule)
	}
	return result, total, nil
}

func (m *Memory) ListEligibleForGeneration(_ context.Context, month recurrence.Month, limit int) ([]*recurrence.RecurrenceRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*recurrence.RecurrenceRule
	for _, rule := range m.rules {
		if rule.Status != recurrence.RuleActive {
			continue
		}
		if !rule.CoversMonth(month) {
			continue
		}
		if rule.NextMonth.After(month) {
			continue
		}
		if m.claims[rule.ID] {
			continue
		}
		eligible = append(eligible, rule)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].NextMonth.Equal(eligible[j].NextMonth) {
			return eligible[i].NextMonth.Before(eligible[j].NextMonth)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if limit > 0 && limit < len(eligible) {
		eligible = eligible[:limit]
	}

	result := make([]*recurrence.RecurrenceRule, len(eligible))
	for i, rule := range eligible {
		m.claims[rule.ID] = true
		result[i] = cloneRule(rule)
	}
	return result, nil
}

func (m *Memory) ReleaseGenerationClaim(_ context.Context, id recurrence.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, id)
	return nil
}

func (m *Memory) UpdateGenerationCursor(_ context.Context, id recurrence.RuleID, processed, next recurrence.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil
	}
	if rule.FirstGeneratedMonth == nil {
		first := processed
		rule.FirstGeneratedMonth = &first
	}
	last := processed
	rule.LastGeneratedMonth = &last
	rule.NextMonth = next
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateRule(_ context.Context, id recurrence.RuleID, update recurrence.RuleUpdate) (*recurrence.RecurrenceRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}

	if update.Description != nil {
		rule.Description = *update.Description
	}
	if update.Amount != nil {
		rule.Amount = *update.Amount
	}
	if update.PayerID != nil {
		rule.PayerID = *update.PayerID
	}
	if update.SplitConfig != nil {
		rule.SplitConfig = cloneSplitConfig(update.SplitConfig)
	}
	if update.ReferenceDay != nil {
		rule.ReferenceDay = *update.ReferenceDay
	}
	if update.StartMonth != nil {
		rule.StartMonth = *update.StartMonth
		// A rule that never generated follows its start month.
		if rule.FirstGeneratedMonth == nil {
			rule.NextMonth = *update.StartMonth
		}
	}
	if update.ClearEndMonth {
		rule.EndMonth = nil
	} else if update.EndMonth != nil {
		end := *update.EndMonth
		rule.EndMonth = &end
	}
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()

	return cloneRule(rule), nil
}

func (m *Memory) SetRuleStatus(_ context.Context, id recurrence.RuleID, status recurrence.RuleStatus, endMonth *recurrence.Month) (*recurrence.RecurrenceRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	rule.Status = status
	if endMonth != nil {
		end := *endMonth
		rule.EndMonth = &end
	}
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()

	return cloneRule(rule), nil
}

// =============================================================================
// OCCURRENCE STORE
// =============================================================================

func (m *Memory) CreatePendingIfMissing(_ context.Context, ruleID recurrence.RuleID, month recurrence.Month, scheduledDate time.Time) (*recurrence.Occurrence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := occurrenceKey{ruleID: ruleID, month: month.String()}
	if existing, ok := m.occurrences[k]; ok {
		return cloneOccurrence(existing), false, nil
	}

	now := time.Now().UTC()
	occ := &recurrence.Occurrence{
		ID:              recurrence.OccurrenceID(uuid.NewString()),
		RuleID:          ruleID,
		CompetenceMonth: month,
		ScheduledDate:   scheduledDate,
		Status:          recurrence.OccurrencePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.occurrences[k] = occ
	m.occByID[occ.ID] = occ
	return cloneOccurrence(occ), true, nil
}

func (m *Memory) GetOccurrence(_ context.Context, ruleID recurrence.RuleID, month recurrence.Month) (*recurrence.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	occ, ok := m.occurrences[occurrenceKey{ruleID: ruleID, month: month.String()}]
	if !ok {
		return nil, fmt.Errorf("rule %s month %s: %w", ruleID, month, recurrence.ErrOccurrenceNotFound)
	}
	return cloneOccurrence(occ), nil
}

func (m *Memory) MarkGenerated(_ context.Context, id recurrence.OccurrenceID, movementID recurrence.MovementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occByID[id]
	if !ok {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	occ.Status = recurrence.OccurrenceGenerated
	occ.MovementID = &movementID
	occ.BlockedCode = ""
	occ.BlockedMessage = ""
	occ.FailureReason = ""
	m.touchOccurrence(occ)
	return nil
}

func (m *Memory) MarkBlocked(_ context.Context, id recurrence.OccurrenceID, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occByID[id]
	if !ok {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	occ.Status = recurrence.OccurrenceBlocked
	occ.MovementID = nil
	occ.BlockedCode = code
	occ.BlockedMessage = message
	occ.FailureReason = ""
	m.touchOccurrence(occ)
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id recurrence.OccurrenceID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occByID[id]
	if !ok {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	occ.Status = recurrence.OccurrenceFailed
	occ.MovementID = nil
	occ.BlockedCode = ""
	occ.BlockedMessage = ""
	occ.FailureReason = reason
	m.touchOccurrence(occ)
	return nil
}

func (m *Memory) ResetToPending(_ context.Context, id recurrence.OccurrenceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occByID[id]
	if !ok {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	if occ.Status != recurrence.OccurrenceFailed {
		return &recurrence.StateTransitionError{
			RuleID: occ.RuleID,
			From:   string(occ.Status),
			To:     string(recurrence.OccurrencePending),
		}
	}
	occ.Status = recurrence.OccurrencePending
	occ.FailureReason = ""
	occ.ProcessedAt = nil
	occ.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListOccurrences(_ context.Context, ruleID recurrence.RuleID) ([]*recurrence.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*recurrence.Occurrence
	for k, occ := range m.occurrences {
		if k.ruleID == ruleID {
			result = append(result, cloneOccurrence(occ))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CompetenceMonth.Before(result[j].CompetenceMonth)
	})
	return result, nil
}

func (m *Memory) touchOccurrence(occ *recurrence.Occurrence) {
	now := time.Now().UTC()
	occ.AttemptCount++
	occ.ProcessedAt = &now
	occ.UpdatedAt = now
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, event *recurrence.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneEvent(event)
	if cp.ID == "" {
		cp.ID = recurrence.EventID(uuid.NewString())
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.events[cp.RuleID] = append(m.events[cp.RuleID], cp)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, ruleID recurrence.RuleID) ([]*recurrence.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.events[ruleID]
	result := make([]*recurrence.Event, len(stored))
	for i, event := range stored {
		result[i] = cloneEvent(event)
	}
	return result, nil
}

// =============================================================================
// CLONE HELPERS - Callers never share memory with the store
// =============================================================================

func cloneRule(rule *recurrence.RecurrenceRule) *recurrence.RecurrenceRule {
	cp := *rule
	cp.SplitConfig = cloneSplitConfig(rule.SplitConfig)
	if rule.EndMonth != nil {
		end := *rule.EndMonth
		cp.EndMonth = &end
	}
	if rule.FirstGeneratedMonth != nil {
		first := *rule.FirstGeneratedMonth
		cp.FirstGeneratedMonth = &first
	}
	if rule.LastGeneratedMonth != nil {
		last := *rule.LastGeneratedMonth
		cp.LastGeneratedMonth = &last
	}
	return &cp
}

func cloneSplitConfig(config recurrence.SplitConfig) recurrence.SplitConfig {
	if config == nil {
		return nil
	}
	cp := make(recurrence.SplitConfig, len(config))
	for k, v := range config {
		cp[k] = v
	}
	return cp
}

func cloneOccurrence(occ *recurrence.Occurrence) *recurrence.Occurrence {
	cp := *occ
	if occ.MovementID != nil {
		id := *occ.MovementID
		cp.MovementID = &id
	}
	if occ.ProcessedAt != nil {
		at := *occ.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp
}

func cloneEvent(event *recurrence.Event) *recurrence.Event {
	cp := *event
	if event.OccurrenceID != nil {
		id := *event.OccurrenceID
		cp.OccurrenceID = &id
	}
	if event.ActorID != nil {
		id := *event.ActorID
		cp.ActorID = &id
	}
	if event.Payload != nil {
		payload := make(map[string]any, len(event.Payload))
		for k, v := range event.Payload {
			payload[k] = v
		}
		cp.Payload = payload
	}
	return &cp
}
