// Package indicator computes the derived series the strategy consumes:
// SMA, ATR (Wilder or simple) and ADX. Values inside the warmup window are
// NaN; callers must check validity before acting on them.
package indicator

import (
	"math"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// Smoothing selects the ATR averaging method.
type Smoothing int

const (
	// SmoothWilder is the classic Wilder recursive average.
	SmoothWilder Smoothing = iota
	// SmoothSMA is a plain rolling mean of the true range.
	SmoothSMA
)

// SMA returns the simple moving average of values. Entries before the
// window is full are NaN.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// TrueRange returns the true-range series. The first entry uses high-low
// only, since there is no previous close.
func TrueRange(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		hl := b.High - b.Low
		if i == 0 {
			out[i] = hl
			continue
		}
		prevClose := bars[i-1].Close
		out[i] = math.Max(hl, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return out
}

// ATR returns the average-true-range series. With SmoothWilder the first
// valid value is the mean of the first period true ranges and every value
// after is atr = (prev·(period-1) + tr) / period.
func ATR(bars []models.Bar, period int, method Smoothing) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) < period {
		return out
	}
	tr := TrueRange(bars)

	if method == SmoothSMA {
		return SMA(tr, period)
	}

	var seed float64
	for i := 0; i < period; i++ {
		seed += tr[i]
	}
	out[period-1] = seed / float64(period)
	for i := period; i < len(tr); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// ADX returns the average-directional-index series with Wilder smoothing.
// The first valid value appears at index 2·period-1.
func ADX(bars []models.Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) < 2*period {
		return out
	}

	n := len(bars)
	tr := TrueRange(bars)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder-smoothed sums, seeded over bars [1, period].
	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := nanSlice(n)
	dx[period] = dxValue(plusS, minusS, trS)
	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		dx[i] = dxValue(plusS, minusS, trS)
	}

	// ADX seeds as the mean of the first period DX values, then smooths.
	var seed float64
	for i := period; i < 2*period; i++ {
		seed += dx[i]
	}
	out[2*period-1] = seed / float64(period)
	for i := 2 * period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

func dxValue(plusS, minusS, trS float64) float64 {
	if trS == 0 {
		return 0
	}
	plusDI := 100 * plusS / trS
	minusDI := 100 * minusS / trS
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / sum
}

// Latest returns the last value of a series, or NaN if empty.
func Latest(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// Valid reports whether v is a usable indicator value.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SpikeRatio compares the latest ATR against the mean of the preceding
// window (2·period values, excluding the latest). Returns NaN when there is
// not enough history, which callers must treat as "cannot enter".
func SpikeRatio(atr []float64, period int) float64 {
	n := len(atr)
	if n < 2*period+1 {
		return math.NaN()
	}
	latest := atr[n-1]
	if !Valid(latest) {
		return math.NaN()
	}
	var sum float64
	var count int
	for _, v := range atr[n-1-2*period : n-1] {
		if Valid(v) {
			sum += v
			count++
		}
	}
	if count == 0 || sum == 0 {
		return math.NaN()
	}
	return latest / (sum / float64(count))
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
