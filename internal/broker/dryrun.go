package broker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// DryRunBroker simulates order execution in memory. Market data comes from
// an optional delegate (typically a read-only KIS client); orders fill
// instantly at the current quote and mutate a simulated account, so the
// whole engine can run end to end without touching broker state.
type DryRunBroker struct {
	data   Broker // market data source; nil means quotes must be primed
	logger *log.Logger

	mu        sync.Mutex
	cash      float64
	holdings  map[string]*Holding
	orders    map[string]*ExecutedOrder
	nextOrder int
	quotes    map[string]*models.Quote // primed quotes for offline runs
}

// Ensure DryRunBroker implements Broker at compile time.
var _ Broker = (*DryRunBroker)(nil)

// NewDryRunBroker builds a simulated broker with startingCash. data may be
// nil; prime quotes with SetQuote in that case.
func NewDryRunBroker(data Broker, startingCash float64, logger *log.Logger) *DryRunBroker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &DryRunBroker{
		data:     data,
		logger:   logger,
		cash:     startingCash,
		holdings: make(map[string]*Holding),
		orders:   make(map[string]*ExecutedOrder),
		quotes:   make(map[string]*models.Quote),
	}
}

// Mode always reports DRY_RUN.
func (d *DryRunBroker) Mode() models.Mode { return models.ModeDryRun }

// NetworkDownFor delegates to the data source when present.
func (d *DryRunBroker) NetworkDownFor(window time.Duration) bool {
	if d.data != nil {
		return d.data.NetworkDownFor(window)
	}
	return false
}

// SetQuote primes the quote used to fill orders for symbol when no data
// delegate is configured.
func (d *DryRunBroker) SetQuote(q *models.Quote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quotes[models.NormalizeSymbol(q.Symbol)] = q
}

// GetDailyOHLCV delegates to the data source.
func (d *DryRunBroker) GetDailyOHLCV(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	if d.data == nil {
		return nil, fmt.Errorf("dry-run broker has no market data source")
	}
	return d.data.GetDailyOHLCV(ctx, symbol, from, to)
}

// GetCurrentPrice delegates to the data source, falling back to primed
// quotes.
func (d *DryRunBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Quote, error) {
	if d.data != nil {
		return d.data.GetCurrentPrice(ctx, symbol)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.quotes[models.NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("no primed quote for %s", symbol)
	}
	return q, nil
}

// PlaceOrder fills the order instantly at the current price (or the limit
// price when given) against the simulated account.
func (d *DryRunBroker) PlaceOrder(ctx context.Context, side models.Side, symbol string,
	qty int64, price float64) (string, error) {
	symbol = models.NormalizeSymbol(symbol)
	if err := models.ValidateSymbol(symbol); err != nil {
		return "", err
	}
	if qty <= 0 {
		return "", fmt.Errorf("order quantity must be > 0, got %d", qty)
	}

	fillPrice := price
	if fillPrice <= 0 {
		q, err := d.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return "", fmt.Errorf("dry-run fill price: %w", err)
		}
		fillPrice = q.Price
	}
	if fillPrice <= 0 {
		return "", fmt.Errorf("dry-run fill price for %s is not positive", symbol)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cost := fillPrice * float64(qty)
	h := d.holdings[symbol]
	switch side {
	case models.SideBuy:
		if cost > d.cash {
			return "", &APIError{Status: 200, Code: "SIM", Body: fmt.Sprintf("insufficient cash: %.0f < %.0f", d.cash, cost)}
		}
		d.cash -= cost
		if h == nil {
			d.holdings[symbol] = &Holding{Symbol: symbol, Quantity: qty, AvgPrice: fillPrice, CurrentPrice: fillPrice}
		} else {
			total := h.AvgPrice*float64(h.Quantity) + cost
			h.Quantity += qty
			h.AvgPrice = total / float64(h.Quantity)
			h.CurrentPrice = fillPrice
		}
	case models.SideSell:
		if h == nil || h.Quantity < qty {
			return "", &APIError{Status: 200, Code: "SIM", Body: fmt.Sprintf("insufficient holding for %s", symbol)}
		}
		d.cash += cost
		h.Quantity -= qty
		h.CurrentPrice = fillPrice
		if h.Quantity == 0 {
			delete(d.holdings, symbol)
		}
	default:
		return "", fmt.Errorf("invalid side %q", side)
	}

	d.nextOrder++
	orderNo := fmt.Sprintf("SIM%06d", d.nextOrder)
	d.orders[orderNo] = &ExecutedOrder{
		OrderNo:      orderNo,
		Symbol:       symbol,
		Side:         side,
		OrderedQty:   qty,
		FilledQty:    qty,
		RemainingQty: 0,
		AvgPrice:     fillPrice,
		OrderedAt:    time.Now().In(models.KST),
	}
	d.logger.Printf("[DRY_RUN] %s %s x%d filled at %.2f, order_no=%s", side, symbol, qty, fillPrice, orderNo)
	return orderNo, nil
}

// CancelOrder is a no-op: simulated orders fill instantly.
func (d *DryRunBroker) CancelOrder(_ context.Context, orderNo, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.orders[orderNo]; !ok {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrderStatus returns simulated executions, optionally filtered.
func (d *DryRunBroker) GetOrderStatus(_ context.Context, orderNo string) ([]ExecutedOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ExecutedOrder, 0, len(d.orders))
	for no, o := range d.orders {
		if orderNo != "" && no != orderNo {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// WaitForExecution resolves immediately: simulated fills are synchronous.
func (d *DryRunBroker) WaitForExecution(_ context.Context, orderNo, _ string,
	_ int64, _, _ time.Duration) (*ExecutionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderNo]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &ExecutionResult{
		Status:    models.OrderFilled,
		ExecQty:   o.FilledQty,
		ExecPrice: o.AvgPrice,
		Fills:     fillsFrom(o),
	}, nil
}

// GetAccountBalance reports the simulated account.
func (d *DryRunBroker) GetAccountBalance(_ context.Context) (*AccountBalance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bal := &AccountBalance{Cash: d.cash}
	equity := d.cash
	for _, h := range d.holdings {
		hc := *h
		hc.EvalAmount = hc.CurrentPrice * float64(hc.Quantity)
		hc.PnL = (hc.CurrentPrice - hc.AvgPrice) * float64(hc.Quantity)
		equity += hc.EvalAmount
		bal.TotalPnL += hc.PnL
		bal.Holdings = append(bal.Holdings, hc)
	}
	bal.TotalEquity = equity
	return bal, nil
}
