package recurrence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// CREATE TESTS
// =============================================================================

func TestRuleCreate_Defaults(t *testing.T) {
	// GIVEN: A valid creation payload
	// WHEN: Creating the rule
	// THEN: It starts active with the cursor on the start month, version 1

	e := newTestEngine(t)
	feb := recurrence.NewMonth(2026, time.February)
	rule := e.createRule(t, "80.00", 15, feb, nil)

	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, recurrence.RuleActive, rule.Status)
	assert.True(t, rule.NextMonth.Equal(feb))
	assert.Nil(t, rule.FirstGeneratedMonth)
	assert.Equal(t, 1, rule.Version)
	assert.Equal(t, "80.00", recurrence.FormatMoney(rule.Amount))

	events, err := e.rules.Events(context.Background(), rule.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recurrence.EventRuleCreated, events[0].Type)
}

func TestRuleCreate_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	jan := recurrence.NewMonth(2026, time.January)

	base := recurrence.CreateRuleInput{
		Description:  "Internet",
		Amount:       "120.00",
		PayerID:      alice,
		RequesterID:  bob,
		SplitConfig:  recurrence.SplitConfig{"mode": "equal"},
		ReferenceDay: 10,
		StartMonth:   feb,
	}

	t.Run("unknown requester", func(t *testing.T) {
		input := base
		input.RequesterID = "participant-stranger"
		_, err := e.rules.Create(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrUnknownParticipant)
	})

	t.Run("unknown payer", func(t *testing.T) {
		input := base
		input.PayerID = "participant-stranger"
		_, err := e.rules.Create(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrUnknownParticipant)
	})

	t.Run("unsupported split mode", func(t *testing.T) {
		input := base
		input.SplitConfig = recurrence.SplitConfig{"mode": "percentage"}
		_, err := e.rules.Create(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrUnsupportedSplitMode)
	})

	t.Run("reference day out of range", func(t *testing.T) {
		input := base
		input.ReferenceDay = 0
		_, err := e.rules.Create(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrInvalidReferenceDay)
	})

	t.Run("end before start", func(t *testing.T) {
		input := base
		input.EndMonth = &jan
		_, err := e.rules.Create(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrInvalidMonthRange)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		for _, amount := range []string{"0", "-5.00"} {
			input := base
			input.Amount = amount
			_, err := e.rules.Create(ctx, input)
			assert.ErrorIs(t, err, recurrence.ErrInvalidAmount, "amount %q", amount)
		}
	})

	t.Run("malformed amount", func(t *testing.T) {
		input := base
		input.Amount = "12,50"
		_, err := e.rules.Create(ctx, input)
		assert.ErrorIs(t, err, recurrence.ErrInvalidAmount)
	})
}

// =============================================================================
// UPDATE TESTS
// =============================================================================

func TestRuleUpdate_FieldGranular(t *testing.T) {
	// GIVEN: An existing rule
	// WHEN: Updating only the amount
	// THEN: Other fields survive and the version increments

	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	rule := e.createRule(t, "80.00", 15, feb, nil)

	amount := "95.50"
	updated, err := e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:      rule.ID,
		RequesterID: bob,
		Amount:      &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, "95.50", recurrence.FormatMoney(updated.Amount))
	assert.Equal(t, rule.Description, updated.Description)
	assert.Equal(t, rule.ReferenceDay, updated.ReferenceDay)
	assert.Equal(t, rule.Version+1, updated.Version)

	events, err := e.rules.Events(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, recurrence.EventRuleUpdated, events[len(events)-1].Type)
}

func TestRuleUpdate_StartMonthLockedAfterFirstGeneration(t *testing.T) {
	// GIVEN: A rule that already generated once
	// WHEN: Changing its start month
	// THEN: The update is refused; other fields still update fine

	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	mar := recurrence.NewMonth(2026, time.March)
	rule := e.createRule(t, "80.00", 15, feb, nil)
	e.generate(t, feb)

	_, err := e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		StartMonth:  &mar,
	})
	assert.ErrorIs(t, err, recurrence.ErrStartMonthLocked)

	description := "Internet (fiber)"
	_, err = e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		Description: &description,
	})
	assert.NoError(t, err)

	// Re-sending the unchanged start month is not a change.
	_, err = e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		StartMonth:  &feb,
	})
	assert.NoError(t, err)
}

func TestRuleUpdate_BeforeFirstGeneration_MovesCursorWithStart(t *testing.T) {
	// GIVEN: A rule that never generated
	// WHEN: Moving its start month forward
	// THEN: The generation cursor follows

	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	apr := recurrence.NewMonth(2026, time.April)
	rule := e.createRule(t, "80.00", 15, feb, nil)

	updated, err := e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		StartMonth:  &apr,
	})
	require.NoError(t, err)
	assert.True(t, updated.NextMonth.Equal(apr))
}

func TestRuleUpdate_EndMonthRangeRevalidated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	jan := recurrence.NewMonth(2026, time.January)
	jun := recurrence.NewMonth(2026, time.June)
	rule := e.createRule(t, "80.00", 15, feb, &jun)

	_, err := e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		EndMonth:    &jan,
	})
	assert.ErrorIs(t, err, recurrence.ErrInvalidMonthRange)

	cleared, err := e.rules.Update(ctx, recurrence.UpdateRuleInput{
		RuleID:        rule.ID,
		RequesterID:   alice,
		ClearEndMonth: true,
	})
	require.NoError(t, err)
	assert.Nil(t, cleared.EndMonth)
}

func TestRuleUpdate_UnknownRule(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.rules.Update(context.Background(), recurrence.UpdateRuleInput{
		RuleID:      "no-such-rule",
		RequesterID: alice,
	})
	assert.ErrorIs(t, err, recurrence.ErrRuleNotFound)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestRuleLifecycle_PauseReactivateEnd(t *testing.T) {
	// GIVEN: An active rule
	// WHEN: Walking active -> paused -> active -> ended
	// THEN: Every transition lands and leaves an event; ended is terminal

	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	rule := e.createRule(t, "80.00", 15, feb, nil)

	paused, err := e.rules.Pause(ctx, rule.ID, alice, "on vacation")
	require.NoError(t, err)
	assert.Equal(t, recurrence.RulePaused, paused.Status)

	active, err := e.rules.Reactivate(ctx, rule.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, recurrence.RuleActive, active.Status)

	ended, err := e.rules.End(ctx, recurrence.EndRuleInput{RuleID: rule.ID, RequesterID: alice})
	require.NoError(t, err)
	assert.Equal(t, recurrence.RuleEnded, ended.Status)

	events, err := e.rules.Events(ctx, rule.ID)
	require.NoError(t, err)
	var types []recurrence.EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []recurrence.EventType{
		recurrence.EventRuleCreated,
		recurrence.EventRulePaused,
		recurrence.EventRuleReactivated,
		recurrence.EventRuleEnded,
	}, types)
}

func TestRuleLifecycle_IllegalTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	rule := e.createRule(t, "80.00", 15, feb, nil)

	// Reactivating an active rule.
	_, err := e.rules.Reactivate(ctx, rule.ID, alice)
	assert.ErrorIs(t, err, recurrence.ErrInvalidStateTransition)

	_, err = e.rules.Pause(ctx, rule.ID, alice, "")
	require.NoError(t, err)

	// Pausing a paused rule.
	_, err = e.rules.Pause(ctx, rule.ID, alice, "")
	assert.ErrorIs(t, err, recurrence.ErrInvalidStateTransition)

	// Ending from paused is allowed, ending twice is not.
	_, err = e.rules.End(ctx, recurrence.EndRuleInput{RuleID: rule.ID, RequesterID: alice})
	require.NoError(t, err)
	_, err = e.rules.End(ctx, recurrence.EndRuleInput{RuleID: rule.ID, RequesterID: alice})
	assert.ErrorIs(t, err, recurrence.ErrInvalidStateTransition)

	var stErr *recurrence.StateTransitionError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, rule.ID, stErr.RuleID)
	assert.Equal(t, "ended", stErr.From)
}

func TestRuleEnd_WithEndMonth(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	may := recurrence.NewMonth(2026, time.May)
	jan := recurrence.NewMonth(2026, time.January)
	rule := e.createRule(t, "80.00", 15, feb, nil)

	_, err := e.rules.End(ctx, recurrence.EndRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		EndMonth:    &jan,
	})
	assert.ErrorIs(t, err, recurrence.ErrInvalidMonthRange)

	ended, err := e.rules.End(ctx, recurrence.EndRuleInput{
		RuleID:      rule.ID,
		RequesterID: alice,
		EndMonth:    &may,
	})
	require.NoError(t, err)
	require.NotNil(t, ended.EndMonth)
	assert.True(t, ended.EndMonth.Equal(may))
}

// =============================================================================
// LISTING TESTS
// =============================================================================

func TestRuleList_FilterAndPaginate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	feb := recurrence.NewMonth(2026, time.February)
	jun := recurrence.NewMonth(2026, time.June)

	for i := 0; i < 3; i++ {
		e.createRule(t, "10.00", 5, feb, nil)
	}
	paused := e.createRule(t, "10.00", 5, feb, nil)
	_, err := e.rules.Pause(ctx, paused.ID, alice, "")
	require.NoError(t, err)
	e.createRule(t, "10.00", 5, jun, nil) // window starts later

	active := recurrence.RuleActive
	rules, total, err := e.rules.List(ctx, recurrence.RuleListFilter{
		Status:          &active,
		CompetenceMonth: &feb,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rules, 3)

	page, total, err := e.rules.List(ctx, recurrence.RuleListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
}
