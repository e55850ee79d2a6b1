package models

import (
	"fmt"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/util"
)

// PositionState is the strategy state for one symbol.
type PositionState string

const (
	// StateWait means no position is held; entries may be evaluated.
	StateWait PositionState = "WAIT"
	// StateEntered means a position is held; only exits may be evaluated.
	StateEntered PositionState = "ENTERED"
)

// Position is the canonical in-flight trade state for one symbol.
//
// ATRAtEntry is frozen when the position opens and is never recomputed:
// every stop, target and trailing calculation for the life of the position
// uses the entry-time ATR.
type Position struct {
	Symbol        string        `json:"symbol"`
	EntryPrice    float64       `json:"entry_price"`
	Quantity      int64         `json:"quantity"`
	EntryDate     time.Time     `json:"entry_date"`
	StopLoss      float64       `json:"stop_loss"`
	TakeProfit    *float64      `json:"take_profit,omitempty"` // nil = trailing-only
	TrailingStop  float64       `json:"trailing_stop"`
	HighestPrice  float64       `json:"highest_price"`
	ATRAtEntry    float64       `json:"atr_at_entry"`
	State         PositionState `json:"state"`
	Reconstructed bool          `json:"reconstructed,omitempty"` // rebuilt from journal+holding, stops are fallbacks
}

// NewPosition creates an ENTERED position with the entry-time ATR frozen.
func NewPosition(symbol string, entryPrice float64, quantity int64, entryDate time.Time,
	stopLoss float64, takeProfit *float64, atr float64) *Position {
	return &Position{
		Symbol:       NormalizeSymbol(symbol),
		EntryPrice:   entryPrice,
		Quantity:     quantity,
		EntryDate:    entryDate,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		TrailingStop: stopLoss, // initial trailing = stop
		HighestPrice: entryPrice,
		ATRAtEntry:   atr,
		State:        StateEntered,
	}
}

// Validate enforces the position invariants.
func (p *Position) Validate() error {
	if err := ValidateSymbol(p.Symbol); err != nil {
		return err
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: quantity must be > 0 (got %d)", p.Symbol, p.Quantity)
	}
	if p.StopLoss <= 0 || p.StopLoss >= p.EntryPrice {
		return fmt.Errorf("position %s: stop_loss must satisfy 0 < stop < entry (stop=%.2f entry=%.2f)",
			p.Symbol, p.StopLoss, p.EntryPrice)
	}
	if p.TakeProfit != nil && *p.TakeProfit <= p.EntryPrice {
		return fmt.Errorf("position %s: take_profit %.2f must be > entry %.2f",
			p.Symbol, *p.TakeProfit, p.EntryPrice)
	}
	if p.TrailingStop < p.StopLoss {
		return fmt.Errorf("position %s: trailing_stop %.2f below stop_loss %.2f",
			p.Symbol, p.TrailingStop, p.StopLoss)
	}
	if p.HighestPrice < p.EntryPrice {
		return fmt.Errorf("position %s: highest_price %.2f below entry %.2f",
			p.Symbol, p.HighestPrice, p.EntryPrice)
	}
	if p.ATRAtEntry <= 0 {
		return fmt.Errorf("position %s: atr_at_entry must be > 0 (got %.4f)", p.Symbol, p.ATRAtEntry)
	}
	if p.State != StateEntered {
		return fmt.Errorf("position %s: state must be ENTERED while held (got %s)", p.Symbol, p.State)
	}
	return nil
}

// UpdateHighest records a new session high. Returns true when the high moved.
func (p *Position) UpdateHighest(price float64) bool {
	if price > p.HighestPrice {
		p.HighestPrice = price
		return true
	}
	return false
}

// RaiseTrailingStop moves the trailing stop up to candidate if higher.
// The trailing stop is monotone non-decreasing for the life of the position.
func (p *Position) RaiseTrailingStop(candidate float64) bool {
	if candidate > p.TrailingStop {
		p.TrailingStop = candidate
		return true
	}
	return false
}

// ScaleIn applies a weighted-average re-entry: qty shares filled at price.
// Entry price becomes the quantity-weighted mean; all fixed fields
// (stops, ATR) are untouched.
func (p *Position) ScaleIn(price float64, qty int64) {
	if qty <= 0 {
		return
	}
	p.EntryPrice = util.WeightedAvgPrice(p.EntryPrice, p.Quantity, price, qty)
	p.Quantity += qty
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
}

// Reduce removes qty shares after a partial SELL fill. Entry price and all
// fixed fields stay unchanged. Returns the remaining quantity.
func (p *Position) Reduce(qty int64) int64 {
	if qty >= p.Quantity {
		p.Quantity = 0
	} else {
		p.Quantity -= qty
	}
	return p.Quantity
}

// PnL returns the absolute and percentage P&L at price.
func (p *Position) PnL(price float64) (amount float64, pct float64) {
	amount = (price - p.EntryPrice) * float64(p.Quantity)
	if p.EntryPrice > 0 {
		pct = (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return amount, pct
}

// DistanceToStopPct reports how much of the entry→stop span has been
// consumed, as a percentage. 0 at entry, 100 when price touches the stop.
func (p *Position) DistanceToStopPct(price float64) float64 {
	span := p.EntryPrice - p.StopLoss
	if span <= 0 {
		return 0
	}
	consumed := (p.EntryPrice - price) / span * 100
	if consumed < 0 {
		return 0
	}
	return util.Ratio4(consumed)
}

// DistanceToTakeProfitPct reports progress toward the take-profit, as a
// percentage of the entry→target span. Returns 0 for trailing-only positions.
func (p *Position) DistanceToTakeProfitPct(price float64) float64 {
	if p.TakeProfit == nil {
		return 0
	}
	span := *p.TakeProfit - p.EntryPrice
	if span <= 0 {
		return 0
	}
	progress := (price - p.EntryPrice) / span * 100
	if progress < 0 {
		return 0
	}
	return util.Ratio4(progress)
}

// HoldingDays returns whole KST days the position has been held at now.
func (p *Position) HoldingDays(now time.Time) int {
	entry := p.EntryDate.In(KST).Truncate(24 * time.Hour)
	cur := now.In(KST).Truncate(24 * time.Hour)
	d := int(cur.Sub(entry).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
