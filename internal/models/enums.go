// Package models provides the shared domain types for the trend-ATR trading
// engine: positions, signals, fills, order state and the enums used across
// every component. Each concept has exactly one canonical enum here.
package models

// Side is the order direction.
type Side string

const (
	// SideBuy is a buy (entry or scale-in) order.
	SideBuy Side = "BUY"
	// SideSell is a sell (exit) order.
	SideSell Side = "SELL"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Mode is the execution mode of the engine.
type Mode string

const (
	// ModeDryRun evaluates signals without ever calling the broker.
	ModeDryRun Mode = "DRY_RUN"
	// ModePaper trades against the KIS virtual-trading server.
	ModePaper Mode = "PAPER"
	// ModeReal trades against the live KIS server with real money.
	ModeReal Mode = "REAL"
)

// Valid returns true if the Mode is one of the defined constants.
func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModePaper, ModeReal:
		return true
	default:
		return false
	}
}

// SignalType is the decision a strategy evaluation produces.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// TrendType classifies the current trend of a bar series.
type TrendType string

const (
	TrendUp       TrendType = "UP"
	TrendDown     TrendType = "DOWN"
	TrendSideways TrendType = "SIDEWAYS"
)

// ExitReason is the price condition that triggered a SELL signal.
// There is deliberately no time-based reason: the engine never liquidates
// because the clock crossed the close.
type ExitReason string

const (
	ExitATRStopLoss   ExitReason = "ATR_STOP_LOSS"
	ExitATRTakeProfit ExitReason = "ATR_TAKE_PROFIT"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitTrendBroken   ExitReason = "TREND_BROKEN"
	ExitGapProtection ExitReason = "GAP_PROTECTION"
	ExitKillSwitch    ExitReason = "KILL_SWITCH"
)

// Emergency reports whether an exit for this reason may escape the market
// check and use the extended fill timeout.
func (r ExitReason) Emergency() bool {
	switch r {
	case ExitATRStopLoss, ExitGapProtection, ExitKillSwitch:
		return true
	default:
		return false
	}
}

// OrderStatus is the lifecycle state of one journaled order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal returns true for statuses that can never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// GapReference selects the price the gap-protection guard compares the
// session open against.
type GapReference string

const (
	GapRefEntry     GapReference = "entry"
	GapRefStop      GapReference = "stop"
	GapRefPrevClose GapReference = "prev_close"
)

// Valid returns true if the GapReference is one of the defined constants.
func (g GapReference) Valid() bool {
	switch g {
	case GapRefEntry, GapRefStop, GapRefPrevClose:
		return true
	default:
		return false
	}
}
