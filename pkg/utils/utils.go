// Package utils provides decimal helpers for prices and percentages.
package utils

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundToTickSize rounds a price to the nearest multiple of tickSize.
// A non-positive tick size returns the price unchanged.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if !tickSize.IsPositive() {
		return price
	}
	return price.Div(tickSize).Round(0).Mul(tickSize)
}

// PercentOf returns part as a percentage of whole, or zero when whole is
// not positive.
func PercentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
