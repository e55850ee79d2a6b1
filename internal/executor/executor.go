// Package executor runs the per-symbol trading loop: refresh account
// state, check the kill switch, evaluate the strategy against fresh bars
// and the live tick, and dispatch the resulting signal through the order
// synchronizer. One Executor owns one symbol.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/orders"
	"github.com/hyunwoolee/kis-trend-atr/internal/risk"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
	"github.com/hyunwoolee/kis-trend-atr/internal/strategy"
)

const (
	// closedTickInterval paces the loop while the market is closed.
	closedTickInterval = 5 * time.Minute
	// skipLogInterval rate-limits the "market closed, nothing to do" log.
	skipLogInterval = 5 * time.Minute
	// networkDownWindow is how long transport failures must be continuous
	// before the executor refuses to act on a signal.
	networkDownWindow = 60 * time.Second
	// intentCooldown suppresses a repeated identical intent between ticks
	// without a journal round trip.
	intentCooldown = time.Minute
	// barLookbackDays covers the trend MA warm-up with margin for holidays
	// and weekends.
	barLookbackDays = 3
)

// QuoteSource serves the freshest intra-tick quote for a symbol, typically
// fed by the realtime websocket feed. ok=false means no fresh quote is held
// and the caller falls back to the REST endpoint.
type QuoteSource interface {
	Latest(symbol string) (models.Quote, bool)
}

// Deps carries everything an Executor needs. Quotes, Events, Clock and
// Logger may be nil.
type Deps struct {
	Config   *config.Config
	Broker   broker.Broker
	Strategy *strategy.TrendATR
	Store    *storage.Store
	Orders   *orders.Synchronizer
	Risk     *risk.Manager
	Journal  *journal.Journal
	Market   *markethours.Service
	Quotes   QuoteSource
	Events   *bus.Bus
	Clock    markethours.Clock
	Logger   *log.Logger
}

// TickResult tells the scheduler how one tick went and when to come back.
type TickResult struct {
	Signal       *models.Signal
	NextInterval time.Duration
	// ShouldExit means the kill switch demands a wind-down: the position is
	// already flushed to disk and the loop must stop.
	ShouldExit bool
	// NetworkRecovered means this tick observed the transport healthy again
	// after an outage long enough to have refused signals. The scheduler
	// re-reconciles before trusting local state.
	NetworkRecovered bool
}

// Executor is the single-symbol trading loop body.
type Executor struct {
	symbol string
	d      Deps

	allowNewEntries bool
	pendingExit     *models.PendingExit

	lastSkipLogAt  time.Time
	lastIntentType models.SignalType
	lastIntentAt   time.Time
	networkWasDown bool
	firstRealOrder bool
	alerted        map[string]bool
}

// New builds the executor for symbol and restores its persisted state: the
// stored position is installed into the strategy (unless the reconciler
// already did) and a live pending-exit record is picked up.
func New(symbol string, d Deps) (*Executor, error) {
	symbol = models.NormalizeSymbol(symbol)
	if err := models.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if d.Clock == nil {
		d.Clock = markethours.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}

	e := &Executor{
		symbol:          symbol,
		d:               d,
		allowNewEntries: true,
		firstRealOrder:  d.Broker.Mode() == models.ModeReal,
		alerted:         map[string]bool{},
	}

	if d.Strategy.Position() == nil {
		pos, err := d.Store.Load(symbol)
		if err != nil {
			return nil, fmt.Errorf("restoring position for %s: %w", symbol, err)
		}
		if pos != nil {
			d.Strategy.SetPosition(pos)
			d.Logger.Printf("[%s] restored position: %d @ %.2f, stop %.2f", symbol, pos.Quantity, pos.EntryPrice, pos.StopLoss)
		}
	}

	pe, err := d.Store.LoadPendingExit(symbol, d.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("restoring pending exit for %s: %w", symbol, err)
	}
	e.pendingExit = pe
	return e, nil
}

// Symbol returns the symbol this executor trades.
func (e *Executor) Symbol() string { return e.symbol }

// Position returns the currently held position, or nil.
func (e *Executor) Position() *models.Position { return e.d.Strategy.Position() }

// PendingExit returns the live retry record, or nil.
func (e *Executor) PendingExit() *models.PendingExit { return e.pendingExit }

// SetAllowNewEntries gates entries; the scheduler sets it from the
// universe plan and the reconciliation verdict.
func (e *Executor) SetAllowNewEntries(allow bool) { e.allowNewEntries = allow }

// Flush persists the held position. Called on shutdown.
func (e *Executor) Flush() error {
	if p := e.d.Strategy.Position(); p != nil {
		return e.d.Store.Save(p)
	}
	return nil
}

func (e *Executor) publish(t bus.Type, msg string, fields map[string]any) {
	if e.d.Events == nil {
		return
	}
	e.d.Events.Publish(bus.Event{Type: t, Symbol: e.symbol, At: e.d.Clock.Now(), Message: msg, Fields: fields})
}

// RunOnce executes one tick and reports when the next one is due.
func (e *Executor) RunOnce(ctx context.Context) (TickResult, error) {
	now := e.d.Clock.Now()
	idle := TickResult{NextInterval: e.nextInterval(nil, now)}

	e.refreshAccountSnapshot(ctx, now)

	if kill := e.d.Risk.CheckKillSwitch(); !kill.Passed {
		e.d.Logger.Printf("[%s] kill switch: %s", e.symbol, kill.Reason)
		if err := e.Flush(); err != nil {
			e.d.Logger.Printf("[%s] flushing position failed: %v", e.symbol, err)
		}
		return TickResult{ShouldExit: true, NextInterval: e.d.Config.DefaultTickInterval()}, nil
	}

	// With nothing held and the market closed there is nothing to evaluate.
	// A held position still gets evaluated so a gap or pending exit fires
	// the moment trading resumes.
	if e.d.Strategy.Position() == nil {
		if ok, reason := e.d.Market.Tradeable(now, false); !ok {
			if now.Sub(e.lastSkipLogAt) >= skipLogInterval {
				e.lastSkipLogAt = now
				e.d.Logger.Printf("[%s] idle: %s", e.symbol, reason)
			}
			return idle, nil
		}
	}

	bars, err := e.d.Broker.GetDailyOHLCV(ctx, e.symbol,
		now.AddDate(0, 0, -e.d.Config.Strategy.TrendMAPeriod*barLookbackDays), now)
	if err != nil {
		return idle, fmt.Errorf("fetching bars for %s: %w", e.symbol, err)
	}
	bars = models.SortBars(bars)
	if len(bars) == 0 {
		return idle, fmt.Errorf("no daily bars for %s", e.symbol)
	}

	quote, err := e.currentQuote(ctx)
	if err != nil {
		return idle, fmt.Errorf("fetching quote for %s: %w", e.symbol, err)
	}
	if quote.Price <= 0 {
		return idle, fmt.Errorf("quote for %s has price %.2f", e.symbol, quote.Price)
	}

	if e.d.Broker.NetworkDownFor(networkDownWindow) {
		if !e.networkWasDown {
			e.networkWasDown = true
			e.d.Logger.Printf("[%s] network degraded for %s, refusing to act", e.symbol, networkDownWindow)
			e.publish(bus.NetworkUnavailable, "transport failures exceed window", nil)
		}
		return idle, nil
	}
	recovered := e.networkWasDown
	e.networkWasDown = false
	if recovered {
		e.d.Logger.Printf("[%s] network recovered", e.symbol)
	}

	sig := e.d.Strategy.Evaluate(bars, quote.Price, quote.Open, now)
	e.publish(bus.SignalComputed, sig.Reason, map[string]any{
		"type": string(sig.Type), "price": sig.Price, "trend": string(sig.Trend),
	})

	res := TickResult{Signal: &sig, NetworkRecovered: recovered}
	switch sig.Type {
	case models.SignalBuy:
		res.ShouldExit = e.handleBuy(ctx, sig, now)
	case models.SignalSell:
		e.handleSell(ctx, sig, now)
	default:
		e.handleHold(sig)
	}
	res.NextInterval = e.nextInterval(&sig, now)
	return res, nil
}

// currentQuote prefers a fresh realtime quote over the REST endpoint.
func (e *Executor) currentQuote(ctx context.Context) (*models.Quote, error) {
	if e.d.Quotes != nil {
		if q, ok := e.d.Quotes.Latest(e.symbol); ok {
			return &q, nil
		}
	}
	return e.d.Broker.GetCurrentPrice(ctx, e.symbol)
}

// refreshAccountSnapshot pulls the balance at most once per snapshot TTL
// and feeds both the risk manager and the journal's equity history.
func (e *Executor) refreshAccountSnapshot(ctx context.Context, now time.Time) {
	if !e.d.Risk.SnapshotDue() {
		return
	}
	bal, err := e.d.Broker.GetAccountBalance(ctx)
	if err != nil {
		e.d.Logger.Printf("[%s] balance fetch failed: %v", e.symbol, err)
		return
	}
	if !e.d.Risk.UpdateAccountSnapshot(bal.TotalEquity) {
		return
	}
	if e.d.Journal != nil {
		if _, err := e.d.Journal.SaveAccountSnapshot(e.d.Broker.Mode(), bal.Cash, bal.TotalEquity, bal.TotalPnL, now); err != nil {
			e.d.Logger.Printf("[%s] snapshot write failed: %v", e.symbol, err)
		}
	}
}

// suppressed reports whether an identical intent fired within the cooldown.
func (e *Executor) suppressed(t models.SignalType, now time.Time) bool {
	return e.lastIntentType == t && now.Sub(e.lastIntentAt) < intentCooldown
}

func (e *Executor) noteIntent(t models.SignalType, now time.Time) {
	e.lastIntentType = t
	e.lastIntentAt = now
}

// handleBuy sizes and submits an entry. Returns true when the risk check
// demands a wind-down.
func (e *Executor) handleBuy(ctx context.Context, sig models.Signal, now time.Time) bool {
	if !e.allowNewEntries {
		e.d.Logger.Printf("[%s] BUY signal ignored: new entries disabled", e.symbol)
		return false
	}
	if chk := e.d.Risk.CheckOrderAllowed(false); !chk.Passed {
		e.d.Logger.Printf("[%s] BUY blocked: %s", e.symbol, chk.Reason)
		return chk.ShouldExit
	}
	if e.suppressed(models.SignalBuy, now) {
		return false
	}

	qty := e.entryQuantity(sig.Price)
	if qty <= 0 {
		e.d.Logger.Printf("[%s] BUY skipped: allocation buys zero shares at %.2f", e.symbol, sig.Price)
		return false
	}

	e.noteIntent(models.SignalBuy, now)
	res := e.d.Orders.Execute(ctx, orders.Request{
		Side:     models.SideBuy,
		Symbol:   e.symbol,
		Qty:      qty,
		SignalID: models.SignalID(e.symbol, models.SideBuy, sig.Price, now),
	})
	if !res.Success {
		e.d.Logger.Printf("[%s] BUY %d not executed (%s): %s", e.symbol, qty, res.Type, res.Message)
		return false
	}
	e.firstRealOrder = false

	pos, err := e.d.Strategy.OpenPosition(res.ExecPrice, res.ExecQty, sig.ATR, now)
	if err != nil {
		e.d.Logger.Printf("[%s] opening position after fill failed: %v", e.symbol, err)
		return false
	}
	if err := e.d.Store.Save(pos); err != nil {
		e.d.Logger.Printf("[%s] persisting position failed: %v", e.symbol, err)
	}
	e.d.Risk.RecordEntry()
	e.alerted = map[string]bool{}
	e.publish(bus.PositionOpened, res.OrderNo, map[string]any{
		"qty": pos.Quantity, "entry": pos.EntryPrice, "stop": pos.StopLoss,
	})
	e.d.Logger.Printf("[%s] ENTERED %d @ %.2f, stop %.2f", e.symbol, pos.Quantity, pos.EntryPrice, pos.StopLoss)
	return false
}

// entryQuantity sizes an entry from the per-symbol allocation of current
// equity. The first REAL order is additionally scaled down.
func (e *Executor) entryQuantity(price float64) int64 {
	if price <= 0 {
		return 0
	}
	equity := e.d.Risk.Daily().CurrentEquity
	budget := equity * e.d.Config.Risk.PerSymbolAllocation
	if e.firstRealOrder {
		budget *= e.d.Config.Risk.RealFirstOrderPercent / 100
	}
	return int64(budget / price)
}

// handleSell submits an exit. Emergencies (stop, gap, kill switch) bypass
// the market check; anything blocked by market closure becomes a pending
// exit retried after the backoff.
func (e *Executor) handleSell(ctx context.Context, sig models.Signal, now time.Time) {
	pos := e.d.Strategy.Position()
	if pos == nil {
		return
	}
	if e.pendingExit != nil && !e.pendingExit.Due(now) {
		e.d.Logger.Printf("[%s] exit pending, retry at %s", e.symbol,
			e.pendingExit.NextRetryAt.In(models.KST).Format("15:04:05"))
		return
	}
	if e.suppressed(models.SignalSell, now) {
		return
	}
	// Closing orders are always allowed; the call keeps the risk state
	// rolled to the current date.
	e.d.Risk.CheckOrderAllowed(true)

	e.noteIntent(models.SignalSell, now)
	res := e.d.Orders.Execute(ctx, orders.Request{
		Side:        models.SideSell,
		Symbol:      e.symbol,
		Qty:         pos.Quantity,
		SignalID:    models.SignalID(e.symbol, models.SideSell, sig.Price, now),
		IsEmergency: sig.ExitReason.Emergency(),
	})

	switch {
	case res.Success:
		e.settleSell(sig, res.ExecPrice, res.ExecQty, res.OrderNo)
	case res.Type == orders.ResultMarketClosed:
		e.deferExit(sig, res.Message, now)
	default:
		e.d.Logger.Printf("[%s] SELL %d not executed (%s): %s", e.symbol, pos.Quantity, res.Type, res.Message)
	}
}

// settleSell books the realized P&L and converges strategy, store and risk
// state to the fill.
func (e *Executor) settleSell(sig models.Signal, fillPrice float64, fillQty int64, orderNo string) {
	pnl, closed, err := e.d.Strategy.ApplySellFill(fillPrice, fillQty)
	if err != nil {
		e.d.Logger.Printf("[%s] applying sell fill failed: %v", e.symbol, err)
		return
	}
	e.d.Risk.RecordTradePnL(pnl)
	e.clearPendingExit()

	if closed {
		if err := e.d.Store.Clear(e.symbol); err != nil {
			e.d.Logger.Printf("[%s] clearing closed position failed: %v", e.symbol, err)
		}
		e.alerted = map[string]bool{}
		e.publish(bus.PositionClosed, orderNo, map[string]any{
			"pnl": pnl, "exit_reason": string(sig.ExitReason), "qty": fillQty, "price": fillPrice,
		})
		e.d.Logger.Printf("[%s] CLOSED %d @ %.2f (%s), pnl %.0f", e.symbol, fillQty, fillPrice, sig.ExitReason, pnl)
		return
	}

	remaining := e.d.Strategy.Position()
	if err := e.d.Store.Save(remaining); err != nil {
		e.d.Logger.Printf("[%s] persisting reduced position failed: %v", e.symbol, err)
	}
	e.d.Logger.Printf("[%s] partial exit %d @ %.2f, %d remain, pnl %.0f",
		e.symbol, fillQty, fillPrice, remaining.Quantity, pnl)
}

// deferExit records a sticky retry for an exit the market refused.
func (e *Executor) deferExit(sig models.Signal, cause string, now time.Time) {
	pe := models.NewPendingExit(e.symbol, sig.ExitReason, sig.ReasonCode,
		now.Add(e.d.Config.PendingExitBackoff()), now)
	pe.LastError = cause
	if err := e.d.Store.SavePendingExit(pe); err != nil {
		e.d.Logger.Printf("[%s] persisting pending exit failed: %v", e.symbol, err)
	}
	e.pendingExit = pe
	e.d.Logger.Printf("[%s] exit %s blocked (%s), retry after %s",
		e.symbol, sig.ExitReason, cause, pe.NextRetryAt.In(models.KST).Format("15:04:05"))
}

func (e *Executor) clearPendingExit() {
	if e.pendingExit == nil {
		return
	}
	if err := e.d.Store.ClearPendingExit(e.symbol); err != nil {
		e.d.Logger.Printf("[%s] clearing pending exit failed: %v", e.symbol, err)
	}
	e.pendingExit = nil
}

// handleHold raises the near-stop and near-take-profit alerts, each at
// most once per threshold for the life of the position.
func (e *Executor) handleHold(sig models.Signal) {
	if e.d.Strategy.Position() == nil {
		return
	}
	if sig.NearStopPct >= e.d.Config.Execution.NearStopThresholdPct {
		key := fmt.Sprintf("stop:%.0f", e.d.Config.Execution.NearStopThresholdPct)
		if !e.alerted[key] {
			e.alerted[key] = true
			e.d.Logger.Printf("[%s] price has covered %.1f%% of the distance to the stop", e.symbol, sig.NearStopPct)
		}
	}
	for _, pct := range e.d.Config.Execution.NearTakeProfitAlertPcts {
		if sig.NearTPPct < float64(pct) {
			continue
		}
		key := fmt.Sprintf("tp:%d", pct)
		if !e.alerted[key] {
			e.alerted[key] = true
			e.d.Logger.Printf("[%s] price has covered %d%% of the distance to the target", e.symbol, pct)
		}
	}
}

// nextInterval picks the pacing for the next tick: slow while closed,
// accelerated when most of the stop distance is consumed.
func (e *Executor) nextInterval(sig *models.Signal, now time.Time) time.Duration {
	if e.d.Market.Status(now) == markethours.StatusClosed {
		// Capped so a held position is re-checked at the session open within
		// five minutes even under a slow configured pace.
		return closedTickInterval
	}
	if sig != nil && e.d.Strategy.Position() != nil &&
		sig.NearStopPct >= e.d.Config.Execution.NearStopThresholdPct {
		return e.d.Config.NearStopTickInterval()
	}
	return e.d.Config.DefaultTickInterval()
}
