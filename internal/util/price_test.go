package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{
			name:     "basic rounding down",
			x:        1.2345,
			tick:     0.01,
			expected: 1.23,
		},
		{
			name:     "tie rounds away from zero",
			x:        1.235,
			tick:     0.01,
			expected: 1.24,
		},
		{
			name:     "larger tick size",
			x:        1.27,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "exact multiple",
			x:        1.25,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "zero tick returns input",
			x:        1.2345,
			tick:     0,
			expected: 1.2345,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestQuantizePrice(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		expected float64
	}{
		{name: "already quantized", x: 70000.00, expected: 70000.00},
		{name: "half rounds up", x: 70000.005, expected: 70000.01},
		{name: "truncating tail", x: 68612.3349, expected: 68612.33},
		{name: "negative pnl", x: -3100.555, expected: -3100.56},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := QuantizePrice(tt.x)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("QuantizePrice(%v) = %v, expected %v", tt.x, result, tt.expected)
			}
		})
	}
}

func TestRatio4(t *testing.T) {
	if got := Ratio4(2.14285714); math.Abs(got-2.1429) > 1e-10 {
		t.Errorf("Ratio4 = %v, expected 2.1429", got)
	}
	if got := Ratio4(math.NaN()); got != 0 {
		t.Errorf("Ratio4(NaN) = %v, expected 0", got)
	}
	if got := Ratio4(math.Inf(1)); got != 0 {
		t.Errorf("Ratio4(+Inf) = %v, expected 0", got)
	}
}

func TestWeightedAvgPrice(t *testing.T) {
	tests := []struct {
		name     string
		oldPrice float64
		oldQty   int64
		addPrice float64
		addQty   int64
		expected float64
	}{
		{name: "equal lots", oldPrice: 70000, oldQty: 10, addPrice: 71000, addQty: 10, expected: 70500},
		{name: "uneven lots", oldPrice: 70000, oldQty: 6, addPrice: 70900, addQty: 4, expected: 70360},
		{name: "fractional result quantized", oldPrice: 100.10, oldQty: 3, addPrice: 100.25, addQty: 4, expected: 100.19},
		{name: "zero total qty", oldPrice: 70000, oldQty: 0, addPrice: 0, addQty: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := WeightedAvgPrice(tt.oldPrice, tt.oldQty, tt.addPrice, tt.addQty)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("WeightedAvgPrice = %v, expected %v", result, tt.expected)
			}
		})
	}
}
