// Package reconcile performs the three-way merge between the position
// store, the order journal and the broker's account of record. It runs on
// startup and after any extended network outage; the broker is always the
// source of truth for quantities.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
)

// recoveryLookback bounds how far back a FILLED BUY may sit in the journal
// and still justify auto-recovering an untracked holding. Multi-day
// positions can be weeks old.
const recoveryLookback = 30 * 24 * time.Hour

// Fallback stop and ATR applied to reconstructed positions. Deliberately
// conservative: a 5% stop and a 1%-of-price ATR.
const (
	recoveredStopRatio = 0.95
	recoveredATRRatio  = 0.01
)

// Outcome tags one symbol's reconciliation result.
type Outcome string

const (
	NoPosition       Outcome = "NO_POSITION"
	Matched          Outcome = "MATCHED"
	QtyAdjusted      Outcome = "QTY_ADJUSTED"
	AutoRecovered    Outcome = "AUTO_RECOVERED_FROM_API"
	UntrackedHolding Outcome = "UNTRACKED_HOLDING"
	StoredInvalid    Outcome = "STORED_INVALID"
	CriticalMismatch Outcome = "CRITICAL_MISMATCH"
	APIFailed        Outcome = "API_FAILED"
)

// Result is one symbol's reconciliation verdict. AllowNewEntries=false
// sticks until a later reconciliation succeeds for the symbol.
type Result struct {
	Symbol          string
	Outcome         Outcome
	Position        *models.Position
	AllowNewEntries bool
	Message         string
}

// Reconciler merges store, journal and broker state.
type Reconciler struct {
	broker  broker.Broker
	store   *storage.Store
	journal *journal.Journal
	events  *bus.Bus
	clock   markethours.Clock
	logger  *log.Logger
}

// New wires a reconciler. events and clock may be nil.
func New(b broker.Broker, store *storage.Store, j *journal.Journal,
	events *bus.Bus, clock markethours.Clock, logger *log.Logger) *Reconciler {
	if clock == nil {
		clock = markethours.SystemClock{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Reconciler{broker: b, store: store, journal: j, events: events, clock: clock, logger: logger}
}

// ReconcileAll reconciles the union of the requested symbols, every stored
// symbol and every broker holding. Non-terminal journal rows from a crashed
// run are settled against the broker first, so the holdings comparison sees
// their final quantities. One balance call covers all of them.
func (r *Reconciler) ReconcileAll(ctx context.Context, symbols []string) map[string]Result {
	r.settleInFlight(ctx)

	all := map[string]bool{}
	for _, s := range symbols {
		all[models.NormalizeSymbol(s)] = true
	}
	if stored, err := r.store.Symbols(); err == nil {
		for _, s := range stored {
			all[s] = true
		}
	}

	results := make(map[string]Result, len(all))
	bal, err := r.broker.GetAccountBalance(ctx)
	if err != nil {
		r.logger.Printf("reconcile: balance fetch failed: %v", err)
		for sym := range all {
			results[sym] = r.emit(Result{
				Symbol: sym, Outcome: APIFailed, AllowNewEntries: false,
				Message: fmt.Sprintf("account fetch failed: %v", err),
			})
		}
		return results
	}
	for _, h := range bal.Holdings {
		all[models.NormalizeSymbol(h.Symbol)] = true
	}

	for sym := range all {
		results[sym] = r.emit(r.reconcileOne(sym, bal))
	}
	return results
}

// settleInFlight drives every non-terminal journal row to a terminal state.
// A PENDING row never reached the broker and is rejected outright; rows with
// an order number are settled from the broker's execution report. Rows whose
// lookup fails stay open for the next pass.
func (r *Reconciler) settleInFlight(ctx context.Context) {
	rows, err := r.journal.NonTerminal(r.broker.Mode())
	if err != nil {
		r.logger.Printf("reconcile: listing open journal rows failed: %v", err)
		return
	}
	for _, row := range rows {
		if row.BrokerOrderNo == "" {
			msg := "order never reached the broker (crashed before submit)"
			if err := r.journal.MarkRejected(row.IdempotencyKey, msg); err != nil {
				r.logger.Printf("[%s] rejecting orphan row %s failed: %v", row.Symbol, row.IdempotencyKey, err)
			} else {
				r.logger.Printf("[%s] open journal row %s rejected: %s", row.Symbol, row.IdempotencyKey, msg)
			}
			continue
		}

		execs, err := r.broker.GetOrderStatus(ctx, row.BrokerOrderNo)
		if err != nil {
			r.logger.Printf("[%s] order %s status lookup failed, leaving row open: %v",
				row.Symbol, row.BrokerOrderNo, err)
			continue
		}
		var filled int64
		for _, ex := range execs {
			if ex.OrderNo == row.BrokerOrderNo {
				filled += ex.FilledQty
			}
		}

		switch {
		case filled >= row.RequestedQty:
			err = r.journal.MarkFilled(row.IdempotencyKey, filled, "")
		default:
			// Fully unfilled or partial: the session is over for this
			// order, so the residual counts as cancelled.
			err = r.journal.MarkCancelled(row.IdempotencyKey, filled)
		}
		if err != nil {
			r.logger.Printf("[%s] settling order %s failed: %v", row.Symbol, row.BrokerOrderNo, err)
			continue
		}
		r.logger.Printf("[%s] order %s settled: %d of %d filled",
			row.Symbol, row.BrokerOrderNo, filled, row.RequestedQty)
	}
}

// reconcileOne resolves one symbol against an already-fetched balance.
func (r *Reconciler) reconcileOne(symbol string, bal *broker.AccountBalance) Result {
	holding := bal.HoldingFor(symbol)

	stored, err := r.store.Load(symbol)
	if err != nil {
		// Unreadable or invalid stored state converges to broker truth.
		r.logger.Printf("[%s] stored position unusable (%v), clearing", symbol, err)
		if cerr := r.store.Clear(symbol); cerr != nil {
			r.logger.Printf("[%s] clearing bad position failed: %v", symbol, cerr)
		}
		if holding == nil {
			return Result{Symbol: symbol, Outcome: StoredInvalid, AllowNewEntries: false,
				Message: fmt.Sprintf("stored position unreadable: %v", err)}
		}
		stored = nil
	}

	switch {
	case stored == nil && holding == nil:
		return Result{Symbol: symbol, Outcome: NoPosition, AllowNewEntries: true}

	case stored != nil && holding != nil:
		if stored.Quantity == holding.Quantity {
			return Result{Symbol: symbol, Outcome: Matched, Position: stored, AllowNewEntries: true}
		}
		msg := fmt.Sprintf("quantity %d adjusted to broker's %d", stored.Quantity, holding.Quantity)
		r.logger.Printf("[%s] %s", symbol, msg)
		stored.Quantity = holding.Quantity
		if err := r.store.Save(stored); err != nil {
			r.logger.Printf("[%s] saving adjusted position failed: %v", symbol, err)
		}
		return Result{Symbol: symbol, Outcome: QtyAdjusted, Position: stored, AllowNewEntries: true, Message: msg}

	case stored == nil && holding != nil:
		return r.recoverOrRefuse(symbol, holding)

	default: // stored != nil && holding == nil
		if len(bal.Holdings) == 0 {
			r.logger.Printf("[%s] stored position has no broker holding, deleting", symbol)
			if err := r.store.Clear(symbol); err != nil {
				r.logger.Printf("[%s] clearing stale position failed: %v", symbol, err)
			}
			return Result{Symbol: symbol, Outcome: StoredInvalid, AllowNewEntries: false,
				Message: "stored position absent from broker, deleted"}
		}
		return Result{Symbol: symbol, Outcome: CriticalMismatch, AllowNewEntries: false,
			Message: fmt.Sprintf("stored %s missing from holdings while %d other holdings exist",
				symbol, len(bal.Holdings))}
	}
}

// recoverOrRefuse handles a broker holding with no stored position. A
// recent FILLED BUY in the journal justifies reconstructing the position;
// otherwise the holding is someone else's and trading it is refused.
func (r *Reconciler) recoverOrRefuse(symbol string, holding *broker.Holding) Result {
	now := r.clock.Now()
	row, err := r.journal.RecentFilledBuy(r.broker.Mode(), symbol, now.Add(-recoveryLookback))
	if err != nil {
		r.logger.Printf("[%s] journal lookup failed: %v", symbol, err)
	}
	if row == nil {
		return Result{Symbol: symbol, Outcome: UntrackedHolding, AllowNewEntries: false,
			Message: fmt.Sprintf("broker holds %d @ %.2f with no stored position and no journal entry",
				holding.Quantity, holding.AvgPrice)}
	}

	pos := models.NewPosition(symbol, holding.AvgPrice, holding.Quantity, row.RequestedAt,
		holding.AvgPrice*recoveredStopRatio, nil, holding.AvgPrice*recoveredATRRatio)
	pos.Reconstructed = true
	if err := r.store.Save(pos); err != nil {
		r.logger.Printf("[%s] saving recovered position failed: %v", symbol, err)
	}
	msg := fmt.Sprintf("reconstructed %d @ %.2f from journal %s, fallback stop %.2f",
		pos.Quantity, pos.EntryPrice, row.BrokerOrderNo, pos.StopLoss)
	r.logger.Printf("[%s] %s", symbol, msg)
	return Result{Symbol: symbol, Outcome: AutoRecovered, Position: pos, AllowNewEntries: true, Message: msg}
}

// emit publishes exactly one event per outcome and passes the result through.
func (r *Reconciler) emit(res Result) Result {
	if r.events != nil {
		r.events.Publish(bus.Event{
			Type:    bus.ReconcileOutcome,
			Symbol:  res.Symbol,
			At:      r.clock.Now(),
			Message: res.Message,
			Fields: map[string]any{
				"outcome":           string(res.Outcome),
				"allow_new_entries": res.AllowNewEntries,
			},
		})
	}
	return res
}
