package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// KST is the market timezone. All daily boundaries, market hours and
// timestamps carried by the engine are KST.
var KST = time.FixedZone("KST", 9*60*60)

// Bar is one daily OHLCV candle.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Quote is a snapshot of the current market for one symbol.
type Quote struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Volume     int64   `json:"volume"`
	ChangeRate float64 `json:"change_rate"` // percent move from previous close
}

// NormalizeSymbol zero-pads a KRX symbol to six digits. Symbols compare
// equal after normalization: "5930" and "005930" are the same instrument.
func NormalizeSymbol(symbol string) string {
	s := strings.TrimSpace(symbol)
	if len(s) >= 6 {
		return s
	}
	return strings.Repeat("0", 6-len(s)) + s
}

// ValidateSymbol rejects anything that is not a 6-digit numeric code after
// normalization.
func ValidateSymbol(symbol string) error {
	s := NormalizeSymbol(symbol)
	if len(s) != 6 {
		return fmt.Errorf("symbol %q is not a 6-digit code", symbol)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("symbol %q contains non-digit characters", symbol)
		}
	}
	return nil
}

// SortBars orders bars ascending by date and drops duplicate dates,
// keeping the last occurrence (broker pages may overlap).
func SortBars(bars []Bar) []Bar {
	if len(bars) == 0 {
		return bars
	}
	byDate := make(map[string]Bar, len(bars))
	for _, b := range bars {
		byDate[b.Date.Format("20060102")] = b
	}
	out := make([]Bar, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
