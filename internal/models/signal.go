package models

// GapFields carries the gap-protection diagnostics attached to a gap exit.
type GapFields struct {
	Reference    GapReference `json:"reference"`
	ReferencePx  float64      `json:"reference_price"`
	OpenPrice    float64      `json:"open_price"`
	GapLossPct   float64      `json:"gap_loss_pct"`
	ThresholdPct float64      `json:"threshold_pct"`
}

// Signal is the output of one strategy evaluation. It is a pure value:
// producing a Signal never mutates broker or store state.
type Signal struct {
	Type         SignalType `json:"type"`
	Symbol       string     `json:"symbol"`
	Price        float64    `json:"price"`
	StopLoss     float64    `json:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty"`
	TrailingStop float64    `json:"trailing_stop,omitempty"`
	ExitReason   ExitReason `json:"exit_reason,omitempty"`
	ReasonCode   string     `json:"reason_code,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ATR          float64    `json:"atr"`
	Trend        TrendType  `json:"trend"`
	NearStopPct  float64    `json:"near_stop_pct"`
	NearTPPct    float64    `json:"near_tp_pct"`
	Gap          *GapFields `json:"gap,omitempty"`
}

// Hold builds a HOLD signal with a reason, the common no-action result.
func Hold(symbol string, price, atr float64, trend TrendType, reason string) Signal {
	return Signal{
		Type:   SignalHold,
		Symbol: NormalizeSymbol(symbol),
		Price:  price,
		ATR:    atr,
		Trend:  trend,
		Reason: reason,
	}
}
