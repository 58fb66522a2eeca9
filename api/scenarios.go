/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Seeds the system with ready-made datasets so the API can be explored
  without hand-crafting rules and movements. Each scenario goes through the
  real services, so everything it creates is validated, audited, and
  generated exactly as production traffic would be.

AVAILABLE SCENARIOS:
  fresh-couple           Two rules, nothing generated yet
  established-household  Rules with three months of generated history,
                         manual purchases, and a refund
  missed-months          A rule whose start month is in the past; generation
                         has a backlog to drain

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "established-household"}

NOTE:
  Loading is additive, it does not wipe earlier data. Load into a fresh
  database for a clean dataset.

SEE ALSO:
  - handlers.go: service dependencies the loaders reuse
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
)

// Scenario is one loadable demo dataset.
type Scenario struct {
	ID          string
	Name        string
	Description string
	Load        func(ctx context.Context, h *Handler) error
}

// Scenarios lists the available demo datasets in display order.
func Scenarios() []Scenario {
	return []Scenario{
		{
			ID:          "fresh-couple",
			Name:        "Fresh Couple",
			Description: "Two recurrences created this month, nothing generated yet.",
			Load:        loadFreshCouple,
		},
		{
			ID:          "established-household",
			Name:        "Established Household",
			Description: "Three months of generated history plus manual purchases and a refund.",
			Load:        loadEstablishedHousehold,
		},
		{
			ID:          "missed-months",
			Name:        "Missed Months",
			Description: "A recurrence that started in the past; generation has a backlog.",
			Load:        loadMissedMonths,
		},
	}
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(Scenarios()))
	for _, s := range Scenarios() {
		dtos = append(dtos, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario reports the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"current": h.currentScenario})
}

// LoadScenario seeds one demo scenario through the real services.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	for _, s := range Scenarios() {
		if s.ID != req.ScenarioID {
			continue
		}
		if err := s.Load(r.Context(), h); err != nil {
			h.log.Error().Err(err).Str("scenario", s.ID).Msg("scenario load failed")
			writeError(w, http.StatusInternalServerError, "Failed to load scenario: "+err.Error(), "")
			return
		}
		h.currentScenario = s.ID
		writeJSON(w, http.StatusOK, map[string]string{"loaded": s.ID})
		return
	}

	writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), "")
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) demoParticipants(ctx context.Context) (first, second recurrence.ParticipantID, err error) {
	participants, err := h.Participants.ListActiveParticipants(ctx)
	if err != nil {
		return "", "", err
	}
	if len(participants) < 2 {
		return "", "", fmt.Errorf("scenario requires two active participants, found %d", len(participants))
	}
	return participants[0].ID, participants[1].ID, nil
}

func equalSplit() recurrence.SplitConfig {
	return recurrence.SplitConfig{"mode": "equal"}
}

func loadFreshCouple(ctx context.Context, h *Handler) error {
	first, second, err := h.demoParticipants(ctx)
	if err != nil {
		return err
	}
	return createDemoRules(ctx, h, first, second, recurrence.MonthOf(time.Now().UTC()))
}

func loadEstablishedHousehold(ctx context.Context, h *Handler) error {
	first, second, err := h.demoParticipants(ctx)
	if err != nil {
		return err
	}
	thisMonth := recurrence.MonthOf(time.Now().UTC())
	start, err := thisMonth.Add(-2)
	if err != nil {
		return err
	}

	if err := createDemoRules(ctx, h, first, second, start); err != nil {
		return err
	}

	// Generate the three elapsed months so the ledger carries history.
	for offset := 0; offset <= 2; offset++ {
		month, err := start.Add(offset)
		if err != nil {
			return err
		}
		for {
			result, err := h.Generator.GenerateForMonth(ctx, recurrence.GenerateInput{CompetenceMonth: month})
			if err != nil {
				return err
			}
			if result.ProcessedRules == 0 {
				break
			}
		}
	}

	// A manual purchase and a refund in the current month.
	occurredAt := time.Now().UTC()
	groceries, err := h.Ledger.CreateMovement(ctx, ledger.CreateMovementInput{
		Type: ledger.MovementPurchase, Amount: "187.40", Description: "Groceries",
		RequesterID: second, OccurredAt: &occurredAt,
	})
	if err != nil {
		return err
	}
	_, err = h.Ledger.CreateMovement(ctx, ledger.CreateMovementInput{
		Type: ledger.MovementRefund, Amount: "12.40", Description: "Expired item returned",
		RequesterID: second, OccurredAt: &occurredAt, OriginalPurchaseID: &groceries.ID,
	})
	return err
}

func loadMissedMonths(ctx context.Context, h *Handler) error {
	first, second, err := h.demoParticipants(ctx)
	if err != nil {
		return err
	}
	start, err := recurrence.MonthOf(time.Now().UTC()).Add(-3)
	if err != nil {
		return err
	}

	_, err = h.Rules.Create(ctx, recurrence.CreateRuleInput{
		Description: "Internet", Amount: "119.90",
		PayerID: first, RequesterID: second,
		SplitConfig: equalSplit(), ReferenceDay: 20, StartMonth: start,
	})
	return err
}

func createDemoRules(ctx context.Context, h *Handler, first, second recurrence.ParticipantID, start recurrence.Month) error {
	rules := []recurrence.CreateRuleInput{
		{
			Description: "Rent", Amount: "2100.00",
			PayerID: first, RequesterID: first,
			SplitConfig: equalSplit(), ReferenceDay: 5, StartMonth: start,
		},
		{
			Description: "Streaming subscription", Amount: "39.90",
			PayerID: second, RequesterID: second,
			SplitConfig: equalSplit(), ReferenceDay: 12, StartMonth: start,
		},
	}
	for _, input := range rules {
		if _, err := h.Rules.Create(ctx, input); err != nil {
			return err
		}
	}
	return nil
}
