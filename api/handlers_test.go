/*
handlers_test.go - HTTP-level tests for the API

Runs the real router against a real in-memory SQLite store, exercising the
full stack: JSON decoding, domain services, storage, and the error-to-status
mapping.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	alice = "participant-alice"
	bob   = "participant-bob"
)

func newTestServer(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for id, name := range map[string]string{alice: "Alice", bob: "Bob"} {
		require.NoError(t, store.UpsertParticipant(ctx, &recurrence.Participant{
			ID:          recurrence.ParticipantID(id),
			DisplayName: name,
			Active:      true,
		}))
	}

	log := zerolog.Nop()
	movements := ledger.NewService(store, store, log)
	rules := recurrence.NewRuleService(store, store, store, log)
	generator := recurrence.NewGenerator(store, store, store, movements, log)
	handler := NewHandler(rules, store, generator, movements, store, log)
	return NewRouter(handler, []string{"*"}), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func createRecurrenceRequest() CreateRecurrenceRequest {
	return CreateRecurrenceRequest{
		Description:  "Streaming subscription",
		Amount:       "39.90",
		PayerID:      alice,
		RequestedBy:  alice,
		SplitConfig:  map[string]any{"mode": "equal"},
		ReferenceDay: 15,
		StartMonth:   "2026-02",
	}
}

// =============================================================================
// RECURRENCE ENDPOINT TESTS
// =============================================================================

func TestRecurrenceEndpoints_CreateGetList(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/recurrences", createRecurrenceRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeAs[RecurrenceDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "39.90", created.Amount)
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, "2026-02", created.NextMonth)

	rec = doJSON(t, h, http.MethodGet, "/api/recurrences/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeAs[RecurrenceDTO](t, rec).ID)

	rec = doJSON(t, h, http.MethodGet, "/api/recurrences?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeAs[ListResponse[RecurrenceDTO]](t, rec)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
}

func TestRecurrenceEndpoints_ValidationErrors(t *testing.T) {
	h, _ := newTestServer(t)

	t.Run("unsupported split mode", func(t *testing.T) {
		req := createRecurrenceRequest()
		req.SplitConfig = map[string]any{"mode": "percentage", "percentages": map[string]any{alice: 70, bob: 30}}
		rec := doJSON(t, h, http.MethodPost, "/api/recurrences", req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unsupported_split_mode", decodeAs[ErrorResponse](t, rec).Code)
	})

	t.Run("malformed month", func(t *testing.T) {
		req := createRecurrenceRequest()
		req.StartMonth = "02/2026"
		rec := doJSON(t, h, http.MethodPost, "/api/recurrences", req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_competence_month", decodeAs[ErrorResponse](t, rec).Code)
	})

	t.Run("unknown participant", func(t *testing.T) {
		req := createRecurrenceRequest()
		req.PayerID = "participant-stranger"
		rec := doJSON(t, h, http.MethodPost, "/api/recurrences", req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unknown_participant", decodeAs[ErrorResponse](t, rec).Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/recurrences", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRecurrenceEndpoints_NotFound(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/recurrences/no-such-rule", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "recurrence_not_found", decodeAs[ErrorResponse](t, rec).Code)
}

func TestRecurrenceEndpoints_Lifecycle(t *testing.T) {
	// GIVEN: An active rule
	// WHEN: Pausing, pausing again, reactivating, then ending over HTTP
	// THEN: Statuses advance and the illegal second pause maps to 400

	h, _ := newTestServer(t)
	created := decodeAs[RecurrenceDTO](t, doJSON(t, h, http.MethodPost, "/api/recurrences", createRecurrenceRequest()))
	base := "/api/recurrences/" + created.ID

	rec := doJSON(t, h, http.MethodPost, base+"/pause", PauseRecurrenceRequest{RequestedBy: bob, Reason: "traveling"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paused", decodeAs[RecurrenceDTO](t, rec).Status)

	rec = doJSON(t, h, http.MethodPost, base+"/pause", PauseRecurrenceRequest{RequestedBy: bob})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state_transition", decodeAs[ErrorResponse](t, rec).Code)

	rec = doJSON(t, h, http.MethodPost, base+"/reactivate", ActorRequest{RequestedBy: alice})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decodeAs[RecurrenceDTO](t, rec).Status)

	endMonth := "2026-05"
	rec = doJSON(t, h, http.MethodPost, base+"/end", EndRecurrenceRequest{RequestedBy: alice, EndMonth: &endMonth})
	require.Equal(t, http.StatusOK, rec.Code)
	ended := decodeAs[RecurrenceDTO](t, rec)
	assert.Equal(t, "ended", ended.Status)
	require.NotNil(t, ended.EndMonth)
	assert.Equal(t, "2026-05", *ended.EndMonth)

	// The audit trail recorded every step.
	rec = doJSON(t, h, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeAs[[]EventDTO](t, rec)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []string{
		"recurrence_created", "recurrence_paused", "recurrence_reactivated", "recurrence_ended",
	}, types)
}

func TestRecurrenceEndpoints_PatchUpdate(t *testing.T) {
	h, _ := newTestServer(t)
	created := decodeAs[RecurrenceDTO](t, doJSON(t, h, http.MethodPost, "/api/recurrences", createRecurrenceRequest()))

	amount := "44.90"
	rec := doJSON(t, h, http.MethodPatch, "/api/recurrences/"+created.ID, UpdateRecurrenceRequest{
		RequestedBy: bob,
		Amount:      &amount,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeAs[RecurrenceDTO](t, rec)
	assert.Equal(t, "44.90", updated.Amount)
	assert.Equal(t, created.Description, updated.Description)
	assert.Equal(t, created.Version+1, updated.Version)
}

// =============================================================================
// GENERATION ENDPOINT TESTS
// =============================================================================

func TestGenerateEndpoint_ProducesMovement(t *testing.T) {
	// GIVEN: One active rule starting 2026-02
	// WHEN: Generating that month over HTTP
	// THEN: A movement exists, the occurrence is generated, and repeating
	//       the call finds nothing left to process

	h, _ := newTestServer(t)
	created := decodeAs[RecurrenceDTO](t, doJSON(t, h, http.MethodPost, "/api/recurrences", createRecurrenceRequest()))

	requestedBy := alice
	rec := doJSON(t, h, http.MethodPost, "/api/recurrences/generate", GenerateRequest{
		CompetenceMonth: "2026-02",
		RequestedBy:     &requestedBy,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeAs[GenerateResponse](t, rec)
	assert.Equal(t, 1, result.ProcessedRules)
	assert.Equal(t, 1, result.Generated)
	assert.Zero(t, result.Failed)

	rec = doJSON(t, h, http.MethodGet, "/api/recurrences/"+created.ID+"/occurrences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	occurrences := decodeAs[[]OccurrenceDTO](t, rec)
	require.Len(t, occurrences, 1)
	assert.Equal(t, "generated", occurrences[0].Status)
	assert.Equal(t, "2026-02-15", occurrences[0].ScheduledDate)
	require.NotNil(t, occurrences[0].MovementID)

	externalRef := fmt.Sprintf("recurrence:%s:2026-02", created.ID)
	rec = doJSON(t, h, http.MethodGet, "/api/movements?external_id="+externalRef, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	movements := decodeAs[ListResponse[MovementDTO]](t, rec)
	require.Equal(t, 1, movements.Total)
	assert.Equal(t, "39.90", movements.Items[0].Amount)
	assert.Equal(t, alice, movements.Items[0].PayerID)

	// Idempotent: the cursor moved past February.
	rec = doJSON(t, h, http.MethodPost, "/api/recurrences/generate", GenerateRequest{CompetenceMonth: "2026-02"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeAs[GenerateResponse](t, rec).ProcessedRules)
}

func TestGenerateEndpoint_DryRun(t *testing.T) {
	h, _ := newTestServer(t)
	decodeAs[RecurrenceDTO](t, doJSON(t, h, http.MethodPost, "/api/recurrences", createRecurrenceRequest()))

	rec := doJSON(t, h, http.MethodPost, "/api/recurrences/generate", GenerateRequest{
		CompetenceMonth: "2026-02",
		DryRun:          true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeAs[GenerateResponse](t, rec)
	assert.Equal(t, 1, result.Ignored)
	assert.Zero(t, result.Generated)

	rec = doJSON(t, h, http.MethodGet, "/api/movements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeAs[ListResponse[MovementDTO]](t, rec).Total)
}

func TestGenerateEndpoint_BlockedDetails(t *testing.T) {
	// GIVEN: A stored rule carrying a legacy percentage split (the API only
	//        accepts equal, so it is seeded through the store)
	// WHEN: Generating with include_blocked_details
	// THEN: The rule is blocked and the reason is itemized

	h, store := newTestServer(t)

	month, err := recurrence.ParseMonth("2026-02")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.CreateRule(context.Background(), &recurrence.RecurrenceRule{
		ID:          "rule-legacy",
		Description: "Old percentage split",
		Amount:      decimal.RequireFromString("90.00"),
		PayerID:     alice,
		RequesterID: bob,
		SplitConfig: recurrence.SplitConfig{
			"mode":        "percentage",
			"percentages": map[string]any{string(alice): 70.0, string(bob): 30.0},
		},
		ReferenceDay: 5,
		StartMonth:   month,
		Status:       recurrence.RuleActive,
		NextMonth:    month,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))

	rec := doJSON(t, h, http.MethodPost, "/api/recurrences/generate", GenerateRequest{
		CompetenceMonth:       "2026-02",
		IncludeBlockedDetails: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeAs[GenerateResponse](t, rec)
	assert.Equal(t, 1, result.Blocked)
	require.Len(t, result.BlockedItems, 1)
	assert.Equal(t, recurrence.RuleID("rule-legacy"), result.BlockedItems[0].RuleID)
	assert.Equal(t, recurrence.BlockCodeInvalidSplitConfig, result.BlockedItems[0].Code)

	rec = doJSON(t, h, http.MethodGet, "/api/recurrences/rule-legacy/occurrences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	occurrences := decodeAs[[]OccurrenceDTO](t, rec)
	require.Len(t, occurrences, 1)
	assert.Equal(t, "blocked", occurrences[0].Status)
	assert.NotEmpty(t, occurrences[0].BlockedMessage)
}

// =============================================================================
// LEDGER ENDPOINT TESTS
// =============================================================================

func TestMovementEndpoints_CreateAndDedup(t *testing.T) {
	h, _ := newTestServer(t)

	occurredAt := "2026-03-10T12:00:00Z"
	req := CreateMovementRequest{
		Type:        "purchase",
		Amount:      "80.00",
		Description: "Groceries",
		RequestedBy: alice,
		ExternalRef: "nfe-0001",
		OccurredAt:  &occurredAt,
	}
	rec := doJSON(t, h, http.MethodPost, "/api/movements", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeAs[MovementDTO](t, rec)
	assert.Equal(t, alice, created.PayerID) // defaults to requester
	assert.Equal(t, "2026-03", created.CompetenceMonth)

	rec = doJSON(t, h, http.MethodPost, "/api/movements", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_external_reference", decodeAs[ErrorResponse](t, rec).Code)

	rec = doJSON(t, h, http.MethodGet, "/api/movements/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "80.00", decodeAs[MovementDTO](t, rec).Amount)
}

func TestMovementEndpoints_RefundAndSummary(t *testing.T) {
	// GIVEN: Purchases by both participants and a refund
	// WHEN: Fetching the monthly summary
	// THEN: Net and per-participant balances reflect the equal split

	h, _ := newTestServer(t)
	occurredAt := "2026-03-10T12:00:00Z"

	create := func(req CreateMovementRequest) MovementDTO {
		req.OccurredAt = &occurredAt
		rec := doJSON(t, h, http.MethodPost, "/api/movements", req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decodeAs[MovementDTO](t, rec)
	}

	bought := create(CreateMovementRequest{Type: "purchase", Amount: "100.00", Description: "Rent share", RequestedBy: alice})
	create(CreateMovementRequest{Type: "purchase", Amount: "40.00", Description: "Groceries", RequestedBy: bob})
	create(CreateMovementRequest{
		Type: "refund", Amount: "20.00", Description: "Overcharge",
		RequestedBy: alice, OriginalPurchaseID: &bought.ID,
	})

	rec := doJSON(t, h, http.MethodGet, "/api/movements/summary?competence_month=2026-03", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeAs[SummaryDTO](t, rec)
	assert.Equal(t, "140.00", summary.GrossTotal)
	assert.Equal(t, "20.00", summary.RefundTotal)
	assert.Equal(t, "120.00", summary.NetTotal)

	balances := make(map[string]BalanceDTO)
	for _, b := range summary.Participants {
		balances[b.ParticipantID] = b
	}
	require.Len(t, balances, 2)
	assert.Equal(t, "20.00", balances[alice].Balance)
	assert.Equal(t, "-20.00", balances[bob].Balance)
}

func TestMovementEndpoints_RefundOverLimit(t *testing.T) {
	h, _ := newTestServer(t)
	occurredAt := "2026-03-10T12:00:00Z"

	req := CreateMovementRequest{Type: "purchase", Amount: "30.00", Description: "Lamp", RequestedBy: alice, OccurredAt: &occurredAt}
	bought := decodeAs[MovementDTO](t, doJSON(t, h, http.MethodPost, "/api/movements", req))

	rec := doJSON(t, h, http.MethodPost, "/api/movements", CreateMovementRequest{
		Type: "refund", Amount: "30.01", Description: "Too much",
		RequestedBy: alice, OriginalPurchaseID: &bought.ID, OccurredAt: &occurredAt,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "refund_limit_exceeded", decodeAs[ErrorResponse](t, rec).Code)
}

// =============================================================================
// PARTICIPANT ENDPOINT TESTS
// =============================================================================

func TestListParticipants(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/participants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	participants := decodeAs[[]ParticipantDTO](t, rec)
	require.Len(t, participants, 2)
	for _, p := range participants {
		assert.True(t, p.Active)
	}
}
