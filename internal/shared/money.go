package shared

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MaxCostScale bounds the configurable number of fractional digits for unit costs.
const MaxCostScale = 8

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("currency required: %w", ErrValidation)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("currency %q: %w", code, ErrValidation)
	}
	return unit.String(), nil
}

// MinorUnits returns the number of fractional digits used for cash amounts in the currency (2 for USD, 0 for JPY).
func MinorUnits(code string) (int32, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("currency %q: %w", code, ErrValidation)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinor converts an amount to integer minor units, rejecting amounts with more precision than the currency carries.
func ToMinor(amount decimal.Decimal, minorUnits int32) (decimal.Decimal, error) {
	shifted := amount.Shift(minorUnits)
	if !shifted.Equal(shifted.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("amount %s exceeds %d fractional digits: %w", amount, minorUnits, ErrValidation)
	}
	return shifted.Truncate(0), nil
}

// FromMinor converts integer minor units back to an amount.
func FromMinor(minor decimal.Decimal, minorUnits int32) decimal.Decimal {
	return minor.Shift(-minorUnits)
}

// RoundCost rounds a unit cost for display or external posting.
func RoundCost(value decimal.Decimal, scale int32) decimal.Decimal {
	return value.Round(scale)
}
