// Package util provides common utility functions for price and ratio math.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// QuantizePrice quantizes a price to two decimal places at the broker boundary.
// Quantization goes through decimal arithmetic so 70000.005 does not drift the
// way a float multiply-round-divide can.
func QuantizePrice(x float64) float64 {
	f, _ := decimal.NewFromFloat(x).Round(2).Float64()
	return f
}

// Ratio4 rounds a ratio (pct, drawdown, distance) to four decimal places for
// display and event payloads.
func Ratio4(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(x).Round(4).Float64()
	return f
}

// WeightedAvgPrice returns the weighted-average entry price after a scale-in
// of addQty shares at addPrice, quantized to two decimal places.
func WeightedAvgPrice(oldPrice float64, oldQty int64, addPrice float64, addQty int64) float64 {
	if oldQty+addQty <= 0 {
		return 0
	}
	op := decimal.NewFromFloat(oldPrice).Mul(decimal.NewFromInt(oldQty))
	ap := decimal.NewFromFloat(addPrice).Mul(decimal.NewFromInt(addQty))
	f, _ := op.Add(ap).Div(decimal.NewFromInt(oldQty + addQty)).Round(2).Float64()
	return f
}
