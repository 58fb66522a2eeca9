package recurrence

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Competence month, always the first day of a calendar month
// =============================================================================

// Month is a competence month: the calendar month a movement or occurrence is
// attributed to, normalized to the first day at midnight UTC.
type Month struct {
	t time.Time
}

// NewMonth builds a Month from a year and calendar month.
func NewMonth(year int, month time.Month) Month {
	return Month{t: time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)}
}

// MonthOf normalizes any time to the first day of the same month.
func MonthOf(t time.Time) Month {
	return NewMonth(t.Year(), t.Month())
}

// ParseMonth accepts "2006-01" or "2006-01-02"; any day value is normalized
// to the first of the month.
func ParseMonth(s string) (Month, error) {
	if t, err := time.Parse("2006-01", s); err == nil {
		return MonthOf(t), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Month{}, fmt.Errorf("%w: %q is not YYYY-MM or YYYY-MM-DD", ErrInvalidMonth, s)
	}
	return MonthOf(t), nil
}

// Comparison
func (m Month) Before(other Month) bool { return m.t.Before(other.t) }
func (m Month) After(other Month) bool  { return m.t.After(other.t) }
func (m Month) Equal(other Month) bool  { return m.t.Equal(other.t) }
func (m Month) IsZero() bool            { return m.t.IsZero() }

// Properties
func (m Month) Year() int         { return m.t.Year() }
func (m Month) Month() time.Month { return m.t.Month() }

// Date returns the first day of the month as a time.Time.
func (m Month) Date() time.Time { return m.t }

// String renders the month label as YYYY-MM.
func (m Month) String() string { return m.t.Format("2006-01") }

// DaysIn returns the number of calendar days in the month.
func (m Month) DaysIn() int {
	return m.t.AddDate(0, 1, -1).Day()
}

// Add shifts the month by n calendar months using absolute-month arithmetic.
// Fails with ErrInvalidMonth when the result would predate year 1.
func (m Month) Add(n int) (Month, error) {
	absolute := (m.Year()-1)*12 + int(m.Month()) - 1 + n
	if absolute < 0 {
		return Month{}, fmt.Errorf("%w: result predates year 1", ErrInvalidMonth)
	}
	return NewMonth(absolute/12+1, time.Month(absolute%12+1)), nil
}

// MustAdd is Add for offsets known to be safe (e.g. advancing a cursor).
func (m Month) MustAdd(n int) Month {
	next, err := m.Add(n)
	if err != nil {
		panic(err)
	}
	return next
}

// =============================================================================
// SCHEDULE CALCULATOR - Calendar-clamped scheduled dates
// =============================================================================

// ScheduledDate returns the date a rule's purchase lands on within a
// competence month: min(referenceDay, days in month). Reference day 31
// therefore lands on Feb 28 (29 in leap years) and Apr 30.
// Fails with ErrInvalidReferenceDay outside [1, 31].
func ScheduledDate(month Month, referenceDay int) (time.Time, error) {
	if referenceDay < 1 || referenceDay > 31 {
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidReferenceDay, referenceDay)
	}
	day := referenceDay
	if last := month.DaysIn(); day > last {
		day = last
	}
	return time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, time.UTC), nil
}
