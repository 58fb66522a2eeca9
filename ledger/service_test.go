package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/recurrence/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	alice = recurrence.ParticipantID("participant-alice")
	bob   = recurrence.ParticipantID("participant-bob")
)

func newTestService(t *testing.T) *ledger.Service {
	t.Helper()
	directory := store.NewMemory()
	directory.AddParticipant(&recurrence.Participant{ID: alice, DisplayName: "Alice", Active: true})
	directory.AddParticipant(&recurrence.Participant{ID: bob, DisplayName: "Bob", Active: true})
	return ledger.NewService(ledger.NewMemory(), directory, zerolog.Nop())
}

func purchase(amount, description string, requester recurrence.ParticipantID) ledger.CreateMovementInput {
	return ledger.CreateMovementInput{
		Type:        ledger.MovementPurchase,
		Amount:      amount,
		Description: description,
		RequesterID: requester,
	}
}

// =============================================================================
// PURCHASE TESTS
// =============================================================================

func TestCreateMovement_PurchaseDefaults(t *testing.T) {
	// GIVEN: A purchase with no payer and no occurred-at
	// WHEN: Creating it
	// THEN: The payer defaults to the requester and the competence month to now

	svc := newTestService(t)
	movement, err := svc.CreateMovement(context.Background(), purchase("35.905", "Groceries", alice))
	require.NoError(t, err)

	assert.Equal(t, ledger.MovementPurchase, movement.Type)
	assert.Equal(t, alice, movement.PayerID)
	assert.Equal(t, "35.91", recurrence.FormatMoney(movement.Amount)) // half-up
	assert.Equal(t, recurrence.MonthOf(time.Now().UTC()), movement.CompetenceMonth)
	assert.Nil(t, movement.OriginalPurchaseID)
}

func TestCreateMovement_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t.Run("unknown requester", func(t *testing.T) {
		_, err := svc.CreateMovement(ctx, purchase("10.00", "x", "participant-stranger"))
		assert.ErrorIs(t, err, recurrence.ErrUnknownParticipant)
	})

	t.Run("unknown payer", func(t *testing.T) {
		input := purchase("10.00", "x", alice)
		stranger := recurrence.ParticipantID("participant-stranger")
		input.PayerID = &stranger
		_, err := svc.CreateMovement(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrUnknownParticipant)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := svc.CreateMovement(ctx, purchase("0.00", "x", alice))
		assert.ErrorIs(t, err, recurrence.ErrInvalidAmount)
	})

	t.Run("unknown movement type", func(t *testing.T) {
		input := purchase("10.00", "x", alice)
		input.Type = ledger.MovementType("transfer")
		_, err := svc.CreateMovement(ctx, input)
		assert.ErrorIs(t, err, ledger.ErrInvalidMovementType)
	})
}

func TestCreateMovement_ExternalRefDedup(t *testing.T) {
	// GIVEN: A purchase recorded with an external reference
	// WHEN: Re-sending the same reference for the same payer and month
	// THEN: The duplicate is rejected; other payers and months are unaffected

	svc := newTestService(t)
	ctx := context.Background()
	occurredAt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	input := purchase("10.00", "Internet", alice)
	input.ExternalRef = "invoice-1234"
	input.OccurredAt = &occurredAt
	_, err := svc.CreateMovement(ctx, input)
	require.NoError(t, err)

	_, err = svc.CreateMovement(ctx, input)
	assert.ErrorIs(t, err, recurrence.ErrDuplicateExternalRef)

	// Same reference, different payer: allowed.
	other := input
	other.RequesterID = bob
	_, err = svc.CreateMovement(ctx, other)
	assert.NoError(t, err)

	// Same reference, next month: allowed.
	nextMonth := occurredAt.AddDate(0, 1, 0)
	later := input
	later.OccurredAt = &nextMonth
	_, err = svc.CreateMovement(ctx, later)
	assert.NoError(t, err)
}

// =============================================================================
// REFUND TESTS
// =============================================================================

func TestCreateMovement_RefundLimit(t *testing.T) {
	// GIVEN: A 100.00 purchase
	// WHEN: Refunding 60 then 40 then anything more
	// THEN: The first two pass, the third exceeds the remaining amount

	svc := newTestService(t)
	ctx := context.Background()

	bought, err := svc.CreateMovement(ctx, purchase("100.00", "Chair", alice))
	require.NoError(t, err)

	refund := func(amount string) error {
		_, err := svc.CreateMovement(ctx, ledger.CreateMovementInput{
			Type:               ledger.MovementRefund,
			Amount:             amount,
			Description:        "Partial refund",
			RequesterID:        alice,
			OriginalPurchaseID: &bought.ID,
		})
		return err
	}

	require.NoError(t, refund("60.00"))
	require.NoError(t, refund("40.00"))
	err = refund("0.01")
	assert.ErrorIs(t, err, ledger.ErrRefundLimitExceeded)
}

func TestCreateMovement_RefundRequiresPurchaseRef(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateMovement(ctx, ledger.CreateMovementInput{
		Type:        ledger.MovementRefund,
		Amount:      "5.00",
		Description: "Refund",
		RequesterID: alice,
	})
	assert.ErrorIs(t, err, ledger.ErrMissingPurchaseRef)

	missing := recurrence.MovementID("no-such-purchase")
	_, err = svc.CreateMovement(ctx, ledger.CreateMovementInput{
		Type:               ledger.MovementRefund,
		Amount:             "5.00",
		Description:        "Refund",
		RequesterID:        alice,
		OriginalPurchaseID: &missing,
	})
	assert.ErrorIs(t, err, recurrence.ErrMovementNotFound)
}

func TestCreateMovement_RefundByExternalRef(t *testing.T) {
	// GIVEN: A purchase registered under an external reference
	// WHEN: Refunding by that reference within the same month and payer
	// THEN: The refund links to the purchase

	svc := newTestService(t)
	ctx := context.Background()
	occurredAt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	input := purchase("50.00", "Lamp", alice)
	input.ExternalRef = "order-9"
	input.OccurredAt = &occurredAt
	bought, err := svc.CreateMovement(ctx, input)
	require.NoError(t, err)

	refund, err := svc.CreateMovement(ctx, ledger.CreateMovementInput{
		Type:                ledger.MovementRefund,
		Amount:              "50.00",
		Description:         "Returned",
		RequesterID:         alice,
		OccurredAt:          &occurredAt,
		OriginalPurchaseRef: "order-9",
	})
	require.NoError(t, err)
	require.NotNil(t, refund.OriginalPurchaseID)
	assert.Equal(t, bought.ID, *refund.OriginalPurchaseID)
}

// =============================================================================
// MONTHLY SUMMARY TESTS
// =============================================================================

func TestMonthlySummary_EqualSplitBalances(t *testing.T) {
	// GIVEN: Alice paid 100, Bob paid 40, with a 20 refund on Alice's side
	// WHEN: Summarizing the month
	// THEN: Net 120, share 60 each, Alice +20 and Bob -20

	svc := newTestService(t)
	ctx := context.Background()
	occurredAt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	month := recurrence.MonthOf(occurredAt)

	create := func(input ledger.CreateMovementInput) *ledger.Movement {
		input.OccurredAt = &occurredAt
		movement, err := svc.CreateMovement(ctx, input)
		require.NoError(t, err)
		return movement
	}

	bought := create(purchase("100.00", "Rent share", alice))
	create(purchase("40.00", "Groceries", bob))
	create(ledger.CreateMovementInput{
		Type:               ledger.MovementRefund,
		Amount:             "20.00",
		Description:        "Overcharge",
		RequesterID:        alice,
		OriginalPurchaseID: &bought.ID,
	})

	summary, err := svc.MonthlySummary(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, "140.00", recurrence.FormatMoney(summary.GrossTotal))
	assert.Equal(t, "20.00", recurrence.FormatMoney(summary.RefundTotal))
	assert.Equal(t, "120.00", recurrence.FormatMoney(summary.NetTotal))

	balances := make(map[recurrence.ParticipantID]ledger.ParticipantBalance)
	for _, b := range summary.Participants {
		balances[b.ParticipantID] = b
	}
	require.Len(t, balances, 2)
	assert.Equal(t, "80.00", recurrence.FormatMoney(balances[alice].Paid))
	assert.Equal(t, "60.00", recurrence.FormatMoney(balances[alice].Share))
	assert.Equal(t, "20.00", recurrence.FormatMoney(balances[alice].Balance))
	assert.Equal(t, "-20.00", recurrence.FormatMoney(balances[bob].Balance))
}

// =============================================================================
// LISTING TESTS
// =============================================================================

func TestListMovements_FiltersAndTotal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	march := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	april := time.Date(2026, time.April, 2, 12, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{march, march, april} {
		input := purchase("10.00", "Item", alice)
		if i == 1 {
			input.RequesterID = bob
		}
		input.OccurredAt = &at
		_, err := svc.CreateMovement(ctx, input)
		require.NoError(t, err)
	}

	monthFilter := recurrence.MonthOf(march)
	items, total, err := svc.ListMovements(ctx, ledger.ListFilter{CompetenceMonth: &monthFilter})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)

	payer := bob
	items, total, err = svc.ListMovements(ctx, ledger.ListFilter{ParticipantID: &payer})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, bob, items[0].PayerID)
}
