// Package carbon computes batch carbon footprints.
//
// All values are kilograms of CO2 equivalent (kgCO2e): template per-unit
// footprints, batch totals and the integer amount written to the ledger.
// Tonnes exists for display only.
package carbon

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// Unit is the canonical unit label.
const Unit = "kgCO2e"

var kgPerTonne = decimal.NewFromInt(1000)

// Calculate returns perUnit x quantity, or override verbatim when one is given.
// The override is not checked against the template.
func Calculate(perUnit decimal.Decimal, quantity int64, override *decimal.Decimal) (decimal.Decimal, error) {
	if quantity < 0 {
		return decimal.Zero, fmt.Errorf("%w: quantity must not be negative", shared.ErrValidation)
	}
	if override != nil {
		if override.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: carbon footprint must not be negative", shared.ErrValidation)
		}
		return *override, nil
	}
	if perUnit.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: per-unit carbon footprint must not be negative", shared.ErrValidation)
	}
	return perUnit.Mul(decimal.NewFromInt(quantity)), nil
}

// FromFloat converts an external float, rejecting NaN and infinities.
func FromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("%w: carbon footprint must be finite", shared.ErrValidation)
	}
	return decimal.NewFromFloat(v), nil
}

// QuantityFromFloat accepts whole, finite, non-negative quantities only.
func QuantityFromFloat(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: quantity must be finite", shared.ErrValidation)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: quantity must not be negative", shared.ErrValidation)
	}
	if v != math.Trunc(v) || v > math.MaxInt64/2 {
		return 0, fmt.Errorf("%w: quantity must be a whole number", shared.ErrValidation)
	}
	return int64(v), nil
}

// ToLedgerUnits rounds kg to the whole kilograms the ledger stores.
func ToLedgerUnits(kg decimal.Decimal) (uint64, error) {
	rounded := kg.Round(0)
	if !rounded.IsPositive() {
		return 0, fmt.Errorf("%w: carbon footprint must be a positive whole number of %s", shared.ErrValidation, Unit)
	}
	if !rounded.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: carbon footprint exceeds ledger range", shared.ErrValidation)
	}
	return rounded.BigInt().Uint64(), nil
}

// Tonnes converts kg for display.
func Tonnes(kg decimal.Decimal) decimal.Decimal {
	return kg.Div(kgPerTonne)
}
