// Package orders turns one trade intent into one synchronized broker order:
// claim the idempotency key, submit, wait for the fill, and write every
// state change through the journal so a crash mid-order is recoverable.
package orders

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
)

// emergencyTimeoutFactor stretches the fill wait for emergency exits.
const emergencyTimeoutFactor = 3

// ResultType classifies the outcome of one Execute call.
type ResultType string

const (
	ResultSuccess      ResultType = "SUCCESS"
	ResultPartial      ResultType = "PARTIAL"
	ResultCancelled    ResultType = "CANCELLED"
	ResultFailed       ResultType = "FAILED"
	ResultMarketClosed ResultType = "MARKET_CLOSED"
)

// SyncResult is what the executor gets back from one synchronized order.
// Fills contains only fills not seen before (journal-deduplicated), so the
// caller may apply every one of them.
type SyncResult struct {
	Success   bool
	Type      ResultType
	OrderNo   string
	ExecQty   int64
	ExecPrice float64
	Fills     []models.Fill
	Message   string
}

// Request is one trade intent.
type Request struct {
	Side   models.Side
	Symbol string
	Qty    int64
	Price  float64 // 0 = market order
	// SignalID pins the intent to a minute; identical intents inside the
	// same minute share an idempotency key.
	SignalID string
	// IsEmergency marks stop-loss, gap and kill-switch exits. Emergency
	// SELLs skip the market check and wait three times longer for fills.
	IsEmergency     bool
	SkipMarketCheck bool
}

// Synchronizer executes trade intents one at a time per caller.
type Synchronizer struct {
	broker  broker.Broker
	journal *journal.Journal
	market  *markethours.Service
	events  *bus.Bus
	clock   markethours.Clock
	logger  *log.Logger

	timeout      time.Duration
	pollInterval time.Duration
}

// NewSynchronizer wires the synchronizer. events and clock may be nil.
func NewSynchronizer(b broker.Broker, j *journal.Journal, market *markethours.Service,
	events *bus.Bus, clock markethours.Clock, logger *log.Logger,
	timeout, pollInterval time.Duration) *Synchronizer {
	if clock == nil {
		clock = markethours.SystemClock{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Synchronizer{
		broker:       b,
		journal:      j,
		market:       market,
		events:       events,
		clock:        clock,
		logger:       logger,
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

func (s *Synchronizer) publish(t bus.Type, symbol, msg string, fields map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{Type: t, Symbol: symbol, At: s.clock.Now(), Message: msg, Fields: fields})
}

// Execute runs the submit / wait-for-fill / settle cycle for one intent.
func (s *Synchronizer) Execute(ctx context.Context, req Request) SyncResult {
	symbol := models.NormalizeSymbol(req.Symbol)
	mode := s.broker.Mode()
	now := s.clock.Now()

	// Emergency SELLs bypass the market check: they may fire into the
	// close auction. Entries never do.
	if !req.SkipMarketCheck && !(req.Side == models.SideSell && req.IsEmergency) {
		if ok, reason := s.market.Tradeable(now, false); !ok {
			s.logger.Printf("[%s] %s %d blocked: %s", symbol, req.Side, req.Qty, reason)
			return SyncResult{Type: ResultMarketClosed, Message: reason}
		}
	}

	key := models.IdempotencyKey(mode, req.Side, symbol, req.Qty, req.SignalID)
	row, created, err := s.journal.Begin(key, req.SignalID, symbol, req.Side, req.Qty, mode, now)
	if err != nil {
		return SyncResult{Type: ResultFailed, Message: fmt.Sprintf("journal: %v", err)}
	}
	if !created {
		s.logger.Printf("[%s] duplicate intent %s, journal status %s (filled %d)",
			symbol, key[:12], row.Status, row.FilledQty)
		return SyncResult{
			Type:    ResultFailed,
			OrderNo: row.BrokerOrderNo,
			ExecQty: row.FilledQty,
			Message: fmt.Sprintf("duplicate: key already %s", row.Status),
		}
	}

	s.publish(bus.OrderRequested, symbol, string(req.Side), map[string]any{
		"qty": req.Qty, "price": req.Price, "signal_id": req.SignalID,
	})

	orderNo, err := s.broker.PlaceOrder(ctx, req.Side, symbol, req.Qty, req.Price)
	if err != nil {
		if jerr := s.journal.MarkRejected(key, err.Error()); jerr != nil {
			s.logger.Printf("[%s] journal reject write failed: %v", symbol, jerr)
		}
		if broker.IsMarketUnavailable(err) {
			return SyncResult{Type: ResultMarketClosed, Message: err.Error()}
		}
		return SyncResult{Type: ResultFailed, Message: fmt.Sprintf("placing order: %v", err)}
	}
	if err := s.journal.MarkSubmitted(key, orderNo); err != nil {
		s.logger.Printf("[%s] journal submit write failed: %v", symbol, err)
	}
	s.publish(bus.OrderSubmitted, symbol, orderNo, map[string]any{"qty": req.Qty})

	timeout := s.timeout
	if req.IsEmergency {
		timeout *= emergencyTimeoutFactor
	}
	res, err := s.broker.WaitForExecution(ctx, orderNo, symbol, req.Qty, timeout, s.pollInterval)
	if err != nil {
		// The order's true state is unknown; the journal row stays
		// SUBMITTED so the next reconciliation picks it up.
		s.logger.Printf("[%s] waiting for fill of %s failed: %v", symbol, orderNo, err)
		return SyncResult{
			Type:    ResultFailed,
			OrderNo: orderNo,
			Message: fmt.Sprintf("awaiting execution: %v", err),
		}
	}

	fills := s.recordFills(mode, key, symbol, res.Fills)

	switch res.Status {
	case models.OrderFilled:
		fillID := ""
		if len(res.Fills) > 0 {
			fillID = res.Fills[0].ExecID
		}
		if err := s.journal.MarkFilled(key, res.ExecQty, fillID); err != nil {
			s.logger.Printf("[%s] journal fill write failed: %v", symbol, err)
		}
		s.publish(bus.OrderFilled, symbol, orderNo, map[string]any{
			"qty": res.ExecQty, "price": res.ExecPrice,
		})
		return SyncResult{
			Success: true, Type: ResultSuccess, OrderNo: orderNo,
			ExecQty: res.ExecQty, ExecPrice: res.ExecPrice, Fills: fills,
		}

	case models.OrderPartial:
		// The broker client has already cancelled the residual.
		if err := s.journal.MarkPartial(key, res.ExecQty, req.Qty-res.ExecQty); err != nil {
			s.logger.Printf("[%s] journal partial write failed: %v", symbol, err)
		}
		s.publish(bus.OrderPartial, symbol, orderNo, map[string]any{
			"qty": res.ExecQty, "requested": req.Qty, "price": res.ExecPrice,
		})
		return SyncResult{
			Success: true, Type: ResultPartial, OrderNo: orderNo,
			ExecQty: res.ExecQty, ExecPrice: res.ExecPrice, Fills: fills,
			Message: fmt.Sprintf("filled %d of %d, residual cancelled", res.ExecQty, req.Qty),
		}

	default:
		if err := s.journal.MarkCancelled(key, res.ExecQty); err != nil {
			s.logger.Printf("[%s] journal cancel write failed: %v", symbol, err)
		}
		s.publish(bus.OrderCancelled, symbol, orderNo, map[string]any{"qty": res.ExecQty})
		return SyncResult{
			Type: ResultCancelled, OrderNo: orderNo, ExecQty: res.ExecQty, Fills: fills,
			Message: "order cancelled before any fill",
		}
	}
}

// recordFills dedups fills through the journal and returns only the ones
// not seen before.
func (s *Synchronizer) recordFills(mode models.Mode, key, symbol string, fills []models.Fill) []models.Fill {
	var fresh []models.Fill
	for _, f := range fills {
		applied, err := s.journal.RecordFill(mode, key, symbol, f)
		if err != nil {
			s.logger.Printf("[%s] recording fill %s failed: %v", symbol, f.OrderNo, err)
			continue
		}
		if applied {
			fresh = append(fresh, f)
		}
	}
	return fresh
}
