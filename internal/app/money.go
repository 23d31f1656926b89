package app

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountLimits bounds a single transfer, in rand.
type AmountLimits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultAmountLimits are R10.00 and R5000.00.
var DefaultAmountLimits = AmountLimits{
	Min: decimal.NewFromInt(10),
	Max: decimal.NewFromInt(5000),
}

// ToMinorUnits converts a rand amount to cents. Amounts with more than two decimal
// places or outside limits are rejected.
func ToMinorUnits(amount decimal.Decimal, limits AmountLimits) (int64, error) {
	if !amount.Equal(amount.Truncate(2)) {
		return 0, fmt.Errorf("%w: at most two decimal places are allowed", ErrInvalidAmount)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !limits.Min.IsZero() && amount.LessThan(limits.Min) {
		return 0, fmt.Errorf("%w: minimum transfer is R%s", ErrInvalidAmount, limits.Min.StringFixed(2))
	}
	if !limits.Max.IsZero() && amount.GreaterThan(limits.Max) {
		return 0, fmt.Errorf("%w: maximum transfer is R%s", ErrInvalidAmount, limits.Max.StringFixed(2))
	}
	return amount.Shift(2).IntPart(), nil
}

// FromMinorUnits converts cents to rand.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FormatMinorUnits renders cents as a two-decimal rand string, e.g. "100.00".
func FormatMinorUnits(cents int64) string {
	return FromMinorUnits(cents).StringFixed(2)
}
