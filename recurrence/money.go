package recurrence

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Two-decimal amounts with HALF-UP rounding
// =============================================================================

// moneyPlaces is the scale every stored amount is quantized to.
const moneyPlaces = 2

// QuantizeMoney rounds a value to two decimal places, half away from zero.
func QuantizeMoney(value decimal.Decimal) decimal.Decimal {
	return value.Round(moneyPlaces)
}

// ParseMoney parses and normalizes a money string. The amount must be a
// positive decimal; validation of positivity is the caller's concern so the
// same parser serves amounts and adjustments.
func ParseMoney(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return QuantizeMoney(d), nil
}

// FormatMoney renders an amount with exactly two decimal places.
func FormatMoney(value decimal.Decimal) string {
	return value.StringFixed(moneyPlaces)
}
