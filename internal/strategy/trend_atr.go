// Package strategy implements the multi-day trend-ATR rule: enter on a
// breakout in a confirmed uptrend, exit on price conditions only. The ATR
// captured at entry is frozen for the life of the position; stops are never
// re-derived from fresh volatility.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/indicator"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/util"
)

// adxCollapseLevel is the floor below which a previously strong trend
// (ADX >= entry threshold) counts as collapsed.
const adxCollapseLevel = 20.0

// EventCalendar reports whether a KST date carries scheduled event risk
// (earnings, policy decisions). Entries are blocked on such dates.
type EventCalendar interface {
	HasEvent(symbol string, date time.Time) bool
}

// TrendATR evaluates one symbol. It owns the symbol's Position and is the
// only component that mutates it.
type TrendATR struct {
	symbol    string
	cfg       config.StrategyConfig
	smoothing indicator.Smoothing
	events    EventCalendar
	position  *models.Position
}

// New builds a strategy for symbol. events may be nil (no event gating).
func New(symbol string, cfg config.StrategyConfig, smoothing indicator.Smoothing, events EventCalendar) *TrendATR {
	return &TrendATR{
		symbol:    models.NormalizeSymbol(symbol),
		cfg:       cfg,
		smoothing: smoothing,
		events:    events,
	}
}

// Symbol returns the symbol this strategy trades.
func (s *TrendATR) Symbol() string { return s.symbol }

// Position returns the currently held position, or nil in WAIT.
func (s *TrendATR) Position() *models.Position { return s.position }

// SetPosition installs a position recovered by the reconciler.
func (s *TrendATR) SetPosition(p *models.Position) { s.position = p }

// Evaluate is a pure decision function over the latest bars and tick. It
// never mutates the position; fills do that via OpenPosition/ApplySellFill.
func (s *TrendATR) Evaluate(bars []models.Bar, tick, openPrice float64, now time.Time) models.Signal {
	if s.position == nil {
		return s.evaluateEntry(bars, tick, now)
	}
	return s.evaluateExit(bars, tick, openPrice)
}

func (s *TrendATR) evaluateEntry(bars []models.Bar, tick float64, now time.Time) models.Signal {
	if len(bars) < s.cfg.TrendMAPeriod {
		return models.Hold(s.symbol, tick, 0, models.TrendSideways,
			fmt.Sprintf("insufficient history: %d bars < %d", len(bars), s.cfg.TrendMAPeriod))
	}

	atrSeries := indicator.ATR(bars, s.cfg.ATRPeriod, s.smoothing)
	atr := indicator.Latest(atrSeries)
	smaSeries := indicator.SMA(closes(bars), s.cfg.TrendMAPeriod)
	sma := indicator.Latest(smaSeries)
	adx := indicator.Latest(indicator.ADX(bars, s.cfg.ADXPeriod))
	trend := classifyTrend(bars[len(bars)-1].Close, sma, adx, s.cfg.ADXThreshold)

	if !indicator.Valid(atr) || atr <= 0 {
		return models.Hold(s.symbol, tick, 0, trend, "ATR not ready")
	}

	ratio := indicator.SpikeRatio(atrSeries, s.cfg.ATRPeriod)
	if !indicator.Valid(ratio) || ratio > s.cfg.ATRSpikeThreshold {
		return models.Hold(s.symbol, tick, atr, trend,
			fmt.Sprintf("ATR spike: ratio %.2f > %.2f", ratio, s.cfg.ATRSpikeThreshold))
	}
	if !indicator.Valid(adx) || adx < s.cfg.ADXThreshold {
		return models.Hold(s.symbol, tick, atr, trend,
			fmt.Sprintf("ADX %.1f below threshold %.1f", adx, s.cfg.ADXThreshold))
	}
	if !indicator.Valid(sma) || bars[len(bars)-1].Close <= sma {
		return models.Hold(s.symbol, tick, atr, trend, "close not above trend MA")
	}
	prevHigh := bars[len(bars)-1].High
	if len(bars) >= 2 {
		prevHigh = bars[len(bars)-2].High
	}
	if tick <= prevHigh {
		return models.Hold(s.symbol, tick, atr, trend,
			fmt.Sprintf("no breakout: %.2f <= prev high %.2f", tick, prevHigh))
	}
	if s.events != nil && s.events.HasEvent(s.symbol, now.In(models.KST)) {
		return models.Hold(s.symbol, tick, atr, trend, "event risk today")
	}

	stop, takeProfit := s.EntryLevels(tick, atr)
	return models.Signal{
		Type:         models.SignalBuy,
		Symbol:       s.symbol,
		Price:        tick,
		StopLoss:     stop,
		TakeProfit:   takeProfit,
		TrailingStop: stop,
		ATR:          atr,
		Trend:        trend,
		Reason:       fmt.Sprintf("breakout above %.2f, ADX %.1f, ATR %.2f", prevHigh, adx, atr),
	}
}

// EntryLevels computes the frozen stop and target for an entry at price.
// The stop is the tighter of the ATR stop and the hard max-loss floor.
func (s *TrendATR) EntryLevels(entry, atr float64) (stop float64, takeProfit *float64) {
	stop = math.Max(entry-s.cfg.ATRMultiplierSL*atr, entry*(1-s.cfg.MaxLossPct/100))
	stop = math.Max(stop, 0)
	stop = util.QuantizePrice(stop)
	target := util.QuantizePrice(entry + s.cfg.ATRMultiplierTP*atr)
	return stop, &target
}

func (s *TrendATR) evaluateExit(bars []models.Bar, tick, openPrice float64) models.Signal {
	p := s.position
	atr := p.ATRAtEntry

	// 1. gap protection
	if sig, fired := s.gapExit(bars, tick, openPrice); fired {
		return sig
	}

	// 2. ATR stop
	if tick <= p.StopLoss {
		return s.sellSignal(tick, models.ExitATRStopLoss,
			fmt.Sprintf("price %.2f <= stop %.2f", tick, p.StopLoss))
	}

	// 3. ATR take-profit
	if p.TakeProfit != nil && tick >= *p.TakeProfit {
		return s.sellSignal(tick, models.ExitATRTakeProfit,
			fmt.Sprintf("price %.2f >= target %.2f", tick, *p.TakeProfit))
	}

	// 4. trailing stop. The activation gain gates the ratchet; once the
	// trailing stop has risen above the hard stop it fires on any touch,
	// even after the unrealized gain has decayed below activation.
	if s.cfg.TrailingEnabled() {
		if _, pct := p.PnL(tick); pct >= s.cfg.Trailing.ActivationPct {
			p.UpdateHighest(tick)
			p.RaiseTrailingStop(util.QuantizePrice(p.HighestPrice - s.cfg.Trailing.ATRMultiplier*atr))
		}
		if p.TrailingStop > p.StopLoss && tick <= p.TrailingStop {
			return s.sellSignal(tick, models.ExitTrailingStop,
				fmt.Sprintf("price %.2f <= trailing %.2f (high %.2f)", tick, p.TrailingStop, p.HighestPrice))
		}
	}

	// 5. trend reversal
	if reason, broken := s.trendBroken(bars); broken {
		return s.sellSignal(tick, models.ExitTrendBroken, reason)
	}

	sig := models.Hold(s.symbol, tick, atr, models.TrendUp, "holding")
	sig.NearStopPct = p.DistanceToStopPct(tick)
	sig.NearTPPct = p.DistanceToTakeProfitPct(tick)
	sig.TrailingStop = p.TrailingStop
	return sig
}

func (s *TrendATR) gapExit(bars []models.Bar, tick, openPrice float64) (models.Signal, bool) {
	if !s.cfg.GapEnabled() || openPrice <= 0 {
		return models.Signal{}, false
	}
	p := s.position

	ref := p.EntryPrice
	refType := models.GapReference(s.cfg.Gap.Reference)
	switch refType {
	case models.GapRefStop:
		ref = p.StopLoss
	case models.GapRefPrevClose:
		if len(bars) == 0 {
			return models.Signal{}, false
		}
		ref = bars[len(bars)-1].Close
	}
	if ref <= 0 {
		return models.Signal{}, false
	}

	gapLoss := (ref - openPrice) / ref * 100
	if gapLoss <= s.cfg.Gap.EpsilonPct || gapLoss < s.cfg.Gap.MaxLossPct {
		return models.Signal{}, false
	}

	sig := s.sellSignal(tick, models.ExitGapProtection,
		fmt.Sprintf("open %.2f gapped %.3f%% below %s reference %.2f", openPrice, gapLoss, refType, ref))
	sig.Gap = &models.GapFields{
		Reference:    refType,
		ReferencePx:  ref,
		OpenPrice:    openPrice,
		GapLossPct:   util.Ratio4(gapLoss),
		ThresholdPct: s.cfg.Gap.MaxLossPct,
	}
	return sig, true
}

func (s *TrendATR) trendBroken(bars []models.Bar) (string, bool) {
	if len(bars) < 2 {
		return "", false
	}
	n := len(bars)

	smaSeries := indicator.SMA(closes(bars), s.cfg.TrendMAPeriod)
	if n >= s.cfg.TrendMAPeriod+1 &&
		indicator.Valid(smaSeries[n-1]) && indicator.Valid(smaSeries[n-2]) {
		if bars[n-2].Close > smaSeries[n-2] && bars[n-1].Close < smaSeries[n-1] {
			return fmt.Sprintf("MA cross-down: close %.2f < SMA %.2f", bars[n-1].Close, smaSeries[n-1]), true
		}
	}

	adxSeries := indicator.ADX(bars, s.cfg.ADXPeriod)
	if indicator.Valid(adxSeries[n-1]) && indicator.Valid(adxSeries[n-2]) {
		if adxSeries[n-1] < adxCollapseLevel && adxSeries[n-2] >= s.cfg.ADXThreshold {
			return fmt.Sprintf("ADX collapse: %.1f from %.1f", adxSeries[n-1], adxSeries[n-2]), true
		}
	}
	return "", false
}

func (s *TrendATR) sellSignal(tick float64, reason models.ExitReason, detail string) models.Signal {
	p := s.position
	sig := models.Signal{
		Type:         models.SignalSell,
		Symbol:       s.symbol,
		Price:        tick,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		TrailingStop: p.TrailingStop,
		ExitReason:   reason,
		ReasonCode:   string(reason),
		Reason:       detail,
		ATR:          p.ATRAtEntry,
		Trend:        models.TrendDown,
		NearStopPct:  p.DistanceToStopPct(tick),
		NearTPPct:    p.DistanceToTakeProfitPct(tick),
	}
	return sig
}

// OpenPosition transitions WAIT -> ENTERED on a BUY fill, or scales an
// existing position by weighted average when scale-in is enabled. The
// stop/target are recomputed from the actual fill price; the ATR is the
// signal-time ATR and is frozen from here on.
func (s *TrendATR) OpenPosition(fillPrice float64, qty int64, atr float64, at time.Time) (*models.Position, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("open %s: quantity must be > 0", s.symbol)
	}
	if s.position != nil {
		if !s.cfg.AllowScaleIn {
			return nil, fmt.Errorf("open %s: already ENTERED and scale-in disabled", s.symbol)
		}
		s.position.ScaleIn(fillPrice, qty)
		return s.position, nil
	}

	stop, takeProfit := s.EntryLevels(fillPrice, atr)
	p := models.NewPosition(s.symbol, fillPrice, qty, at, stop, takeProfit, atr)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.position = p
	return p, nil
}

// ApplySellFill reduces the position by qty; a full fill closes it and
// returns to WAIT. Returns the realized P&L of the sold shares.
func (s *TrendATR) ApplySellFill(fillPrice float64, qty int64) (pnl float64, closed bool, err error) {
	if s.position == nil {
		return 0, false, fmt.Errorf("sell fill for %s with no position", s.symbol)
	}
	if qty <= 0 {
		return 0, false, fmt.Errorf("sell fill for %s: quantity must be > 0", s.symbol)
	}
	p := s.position
	if qty > p.Quantity {
		qty = p.Quantity
	}
	pnl = (fillPrice - p.EntryPrice) * float64(qty)
	if p.Reduce(qty) == 0 {
		s.position = nil
		return pnl, true, nil
	}
	return pnl, false, nil
}

func classifyTrend(close, sma, adx, adxThreshold float64) models.TrendType {
	if !indicator.Valid(sma) || !indicator.Valid(adx) || adx < adxThreshold {
		return models.TrendSideways
	}
	if close > sma {
		return models.TrendUp
	}
	if close < sma {
		return models.TrendDown
	}
	return models.TrendSideways
}

func closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
