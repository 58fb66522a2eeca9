package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements Store behind one mutex, enforcing the same external
// reference uniqueness the SQL stores get from a constraint.
type Memory struct {
	mu        sync.RWMutex
	movements []*Movement
	byID      map[recurrence.MovementID]*Movement
	byRef     map[refKey]*Movement
}

type refKey struct {
	month       string
	payerID     recurrence.ParticipantID
	externalRef string
}

func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[recurrence.MovementID]*Movement),
		byRef: make(map[refKey]*Movement),
	}
}

func (m *Memory) CreateMovement(_ context.Context, movement *Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(movement.ExternalRef) != "" {
		k := refKey{
			month:       movement.CompetenceMonth.String(),
			payerID:     movement.PayerID,
			externalRef: movement.ExternalRef,
		}
		if _, ok := m.byRef[k]; ok {
			return fmt.Errorf("external ref %q in %s: %w",
				movement.ExternalRef, movement.CompetenceMonth, recurrence.ErrDuplicateExternalRef)
		}
		cp := cloneMovement(movement)
		m.byRef[k] = cp
		m.movements = append(m.movements, cp)
		m.byID[cp.ID] = cp
		return nil
	}

	cp := cloneMovement(movement)
	m.movements = append(m.movements, cp)
	m.byID[cp.ID] = cp
	return nil
}

func (m *Memory) GetMovement(_ context.Context, id recurrence.MovementID) (*Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	movement, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("movement %s: %w", id, recurrence.ErrMovementNotFound)
	}
	return cloneMovement(movement), nil
}

func (m *Memory) FindByExternalRef(_ context.Context, month recurrence.Month, payerID recurrence.ParticipantID, externalRef string) (*Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	movement, ok := m.byRef[refKey{month: month.String(), payerID: payerID, externalRef: externalRef}]
	if !ok {
		return nil, nil
	}
	return cloneMovement(movement), nil
}

func (m *Memory) TotalRefunded(_ context.Context, purchaseID recurrence.MovementID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, movement := range m.movements {
		if movement.Type == MovementRefund &&
			movement.OriginalPurchaseID != nil &&
			*movement.OriginalPurchaseID == purchaseID {
			total = total.Add(movement.Amount)
		}
	}
	return total, nil
}

func (m *Memory) ListMovements(_ context.Context, filter ListFilter) ([]*Movement, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Movement
	for _, movement := range m.movements {
		if filter.CompetenceMonth != nil && !movement.CompetenceMonth.Equal(*filter.CompetenceMonth) {
			continue
		}
		if filter.Type != nil && movement.Type != *filter.Type {
			continue
		}
		if filter.ParticipantID != nil &&
			movement.PayerID != *filter.ParticipantID &&
			movement.RequesterID != *filter.ParticipantID {
			continue
		}
		if filter.ExternalRef != nil && movement.ExternalRef != *filter.ExternalRef {
			continue
		}
		matched = append(matched, movement)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.After(matched[j].OccurredAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	result := make([]*Movement, len(matched))
	for i, movement := range matched {
		result[i] = cloneMovement(movement)
	}
	return result, total, nil
}

func (m *Memory) MonthlyTypeTotals(_ context.Context, month recurrence.Month) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gross, refunds := decimal.Zero, decimal.Zero
	for _, movement := range m.movements {
		if !movement.CompetenceMonth.Equal(month) {
			continue
		}
		switch movement.Type {
		case MovementPurchase:
			gross = gross.Add(movement.Amount)
		case MovementRefund:
			refunds = refunds.Add(movement.Amount)
		}
	}
	return gross, refunds, nil
}

func (m *Memory) PaidTotalsByParticipant(_ context.Context, month recurrence.Month) (map[recurrence.ParticipantID]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[recurrence.ParticipantID]decimal.Decimal)
	for _, movement := range m.movements {
		if !movement.CompetenceMonth.Equal(month) {
			continue
		}
		current := totals[movement.PayerID]
		switch movement.Type {
		case MovementPurchase:
			totals[movement.PayerID] = current.Add(movement.Amount)
		case MovementRefund:
			totals[movement.PayerID] = current.Sub(movement.Amount)
		}
	}
	return totals, nil
}

func cloneMovement(movement *Movement) *Movement {
	cp := *movement
	if movement.OriginalPurchaseID != nil {
		id := *movement.OriginalPurchaseID
		cp.OriginalPurchaseID = &id
	}
	return &cp
}
