package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a user-entered amount to a float with cent precision.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators, an
// optional leading currency symbol and thousands separators written as
// spaces or underscores. Rounding is half away from zero on the third
// decimal. Zero and negative values are rejected.
//
// Examples:
//
//	ParseAmount("12.34")   -> 12.34, nil
//	ParseAmount("12,345")  -> 12.35, nil
//	ParseAmount("$1 200")  -> 1200, nil
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£")
	s = strings.NewReplacer(" ", "", "_", "", ",", ".").Replace(s)
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, &ValidationError{Field: "amount", Reason: "must be a positive number"}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: "must be a positive number"}
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return 0, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return d.InexactFloat64(), nil
}

// RoundCents rounds v to two decimals, half away from zero.
func RoundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Percent returns ratio as a whole percentage, as written in the import format.
func Percent(ratio float64) int {
	return int(decimal.NewFromFloat(ratio).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}
