package recurrence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// SCHEDULED DATE CLAMPING TESTS
// =============================================================================

func TestScheduledDate_Day31_ClampsToMonthEnd(t *testing.T) {
	// GIVEN: A rule anchored on day 31
	// WHEN: Scheduling across months with fewer days
	// THEN: The date clamps to the last calendar day of each month

	cases := []struct {
		month   recurrence.Month
		wantDay int
	}{
		{recurrence.NewMonth(2026, time.January), 31},
		{recurrence.NewMonth(2026, time.February), 28},
		{recurrence.NewMonth(2024, time.February), 29}, // leap year
		{recurrence.NewMonth(2026, time.April), 30},
	}
	for _, tc := range cases {
		got, err := recurrence.ScheduledDate(tc.month, 31)
		require.NoError(t, err)
		assert.Equal(t, tc.wantDay, got.Day(), "month %s", tc.month)
		assert.Equal(t, tc.month.Month(), got.Month())
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestScheduledDate_DayWithinMonth_Unchanged(t *testing.T) {
	got, err := recurrence.ScheduledDate(recurrence.NewMonth(2026, time.February), 15)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC), got)
}

func TestScheduledDate_ReferenceDayOutOfRange_Rejected(t *testing.T) {
	for _, day := range []int{0, -1, 32} {
		_, err := recurrence.ScheduledDate(recurrence.NewMonth(2026, time.March), day)
		assert.ErrorIs(t, err, recurrence.ErrInvalidReferenceDay, "day %d", day)
	}
}

// =============================================================================
// MONTH ARITHMETIC TESTS
// =============================================================================

func TestMonth_Add_CrossesYearBoundary(t *testing.T) {
	dec := recurrence.NewMonth(2025, time.December)

	next, err := dec.Add(1)
	require.NoError(t, err)
	assert.Equal(t, recurrence.NewMonth(2026, time.January), next)

	prev, err := recurrence.NewMonth(2026, time.January).Add(-1)
	require.NoError(t, err)
	assert.Equal(t, dec, prev)
}

func TestMonth_Add_MultiYearJump(t *testing.T) {
	got, err := recurrence.NewMonth(2026, time.March).Add(25)
	require.NoError(t, err)
	assert.Equal(t, recurrence.NewMonth(2028, time.April), got)
}

func TestMonth_Add_BeforeYearOne_Rejected(t *testing.T) {
	_, err := recurrence.NewMonth(1, time.January).Add(-1)
	assert.ErrorIs(t, err, recurrence.ErrInvalidMonth)
}

func TestMonthOf_NormalizesToFirstOfMonth(t *testing.T) {
	got := recurrence.MonthOf(time.Date(2026, time.July, 23, 17, 45, 0, 0, time.UTC))
	assert.Equal(t, recurrence.NewMonth(2026, time.July), got)
	assert.Equal(t, 1, got.Date().Day())
}

// =============================================================================
// MONTH PARSING TESTS
// =============================================================================

func TestParseMonth_AcceptsLabelAndFullDate(t *testing.T) {
	fromLabel, err := recurrence.ParseMonth("2026-02")
	require.NoError(t, err)

	// A mid-month date normalizes to the same competence month.
	fromDate, err := recurrence.ParseMonth("2026-02-17")
	require.NoError(t, err)

	assert.Equal(t, fromLabel, fromDate)
	assert.Equal(t, "2026-02", fromLabel.String())
}

func TestParseMonth_RejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "2026", "02-2026", "2026/02", "2026-13"} {
		_, err := recurrence.ParseMonth(input)
		assert.ErrorIs(t, err, recurrence.ErrInvalidMonth, "input %q", input)
	}
}

func TestMonth_DaysIn(t *testing.T) {
	assert.Equal(t, 29, recurrence.NewMonth(2024, time.February).DaysIn())
	assert.Equal(t, 28, recurrence.NewMonth(2026, time.February).DaysIn())
	assert.Equal(t, 31, recurrence.NewMonth(2026, time.August).DaysIn())
}
