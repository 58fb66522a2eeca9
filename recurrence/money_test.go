package recurrence_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/recurrence"
)

func TestParseMoney_QuantizesToTwoPlaces(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"10", "10.00"},
		{"10.1", "10.10"},
		{"10.005", "10.01"}, // half rounds up
		{"10.004", "10.00"},
		{"0.125", "0.13"},
	}
	for _, tc := range cases {
		got, err := recurrence.ParseMoney(tc.input)
		require.NoError(t, err, "input %q", tc.input)
		assert.Equal(t, tc.want, recurrence.FormatMoney(got), "input %q", tc.input)
	}
}

func TestParseMoney_RejectsNonDecimal(t *testing.T) {
	for _, input := range []string{"", "abc", "10,50", "1.2.3"} {
		_, err := recurrence.ParseMoney(input)
		assert.ErrorIs(t, err, recurrence.ErrInvalidAmount, "input %q", input)
	}
}

func TestQuantizeMoney_NoFloatDrift(t *testing.T) {
	// 0.1 + 0.2 is exactly 0.30 in decimal arithmetic.
	sum := decimal.RequireFromString("0.1").Add(decimal.RequireFromString("0.2"))
	assert.Equal(t, "0.30", recurrence.FormatMoney(recurrence.QuantizeMoney(sum)))
}
