// Package mock provides a scriptable in-memory Broker for tests. Behavior
// is overridden per test through function fields; anything left nil gets a
// sane default.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// Broker is a test double for broker.Broker.
type Broker struct {
	mu sync.Mutex

	BrokerMode  models.Mode
	Bars        map[string][]models.Bar
	Quotes      map[string]*models.Quote
	Balance     *broker.AccountBalance
	NetworkDown bool

	GetDailyOHLCVFunc    func(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
	GetCurrentPriceFunc  func(ctx context.Context, symbol string) (*models.Quote, error)
	PlaceOrderFunc       func(ctx context.Context, side models.Side, symbol string, qty int64, price float64) (string, error)
	CancelOrderFunc      func(ctx context.Context, orderNo, symbol string) error
	GetOrderStatusFunc   func(ctx context.Context, orderNo string) ([]broker.ExecutedOrder, error)
	WaitForExecutionFunc func(ctx context.Context, orderNo, symbol string, expectedQty int64, timeout, pollInterval time.Duration) (*broker.ExecutionResult, error)
	GetBalanceFunc       func(ctx context.Context) (*broker.AccountBalance, error)

	PlacedOrders    []PlacedOrder
	CancelledOrders []string
	nextOrderNo     int
}

// PlacedOrder records one PlaceOrder call for assertions.
type PlacedOrder struct {
	Side   models.Side
	Symbol string
	Qty    int64
	Price  float64
}

// Ensure the mock satisfies the interface at compile time.
var _ broker.Broker = (*Broker)(nil)

// NewBroker returns a mock in PAPER mode with empty fixtures.
func NewBroker() *Broker {
	return &Broker{
		BrokerMode: models.ModePaper,
		Bars:       make(map[string][]models.Bar),
		Quotes:     make(map[string]*models.Quote),
		Balance:    &broker.AccountBalance{},
	}
}

// Mode reports the scripted mode.
func (m *Broker) Mode() models.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BrokerMode
}

// NetworkDownFor reports the scripted network state.
func (m *Broker) NetworkDownFor(time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NetworkDown
}

// GetDailyOHLCV returns the scripted bars for symbol.
func (m *Broker) GetDailyOHLCV(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	if m.GetDailyOHLCVFunc != nil {
		return m.GetDailyOHLCVFunc(ctx, symbol, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Bars[models.NormalizeSymbol(symbol)], nil
}

// GetCurrentPrice returns the scripted quote for symbol.
func (m *Broker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Quote, error) {
	if m.GetCurrentPriceFunc != nil {
		return m.GetCurrentPriceFunc(ctx, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.Quotes[models.NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("no quote scripted for %s", symbol)
	}
	return q, nil
}

// PlaceOrder records the order and returns a generated order number.
func (m *Broker) PlaceOrder(ctx context.Context, side models.Side, symbol string, qty int64, price float64) (string, error) {
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, side, symbol, qty, price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlacedOrders = append(m.PlacedOrders, PlacedOrder{Side: side, Symbol: models.NormalizeSymbol(symbol), Qty: qty, Price: price})
	m.nextOrderNo++
	return fmt.Sprintf("MOCK%04d", m.nextOrderNo), nil
}

// CancelOrder records the cancellation.
func (m *Broker) CancelOrder(ctx context.Context, orderNo, symbol string) error {
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderNo, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledOrders = append(m.CancelledOrders, orderNo)
	return nil
}

// GetOrderStatus returns scripted executions; default is none.
func (m *Broker) GetOrderStatus(ctx context.Context, orderNo string) ([]broker.ExecutedOrder, error) {
	if m.GetOrderStatusFunc != nil {
		return m.GetOrderStatusFunc(ctx, orderNo)
	}
	return nil, nil
}

// WaitForExecution defaults to an immediate full fill at the scripted
// quote price.
func (m *Broker) WaitForExecution(ctx context.Context, orderNo, symbol string, expectedQty int64,
	timeout, pollInterval time.Duration) (*broker.ExecutionResult, error) {
	if m.WaitForExecutionFunc != nil {
		return m.WaitForExecutionFunc(ctx, orderNo, symbol, expectedQty, timeout, pollInterval)
	}
	q, err := m.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	side := models.SideBuy
	m.mu.Lock()
	for _, o := range m.PlacedOrders {
		if o.Symbol == models.NormalizeSymbol(symbol) {
			side = o.Side
		}
	}
	m.mu.Unlock()
	return &broker.ExecutionResult{
		Status:    models.OrderFilled,
		ExecQty:   expectedQty,
		ExecPrice: q.Price,
		Fills: []models.Fill{{
			OrderNo:    orderNo,
			ExecutedAt: time.Now().In(models.KST),
			Price:      q.Price,
			Qty:        expectedQty,
			Side:       side,
		}},
	}, nil
}

// GetAccountBalance returns the scripted balance.
func (m *Broker) GetAccountBalance(ctx context.Context) (*broker.AccountBalance, error) {
	if m.GetBalanceFunc != nil {
		return m.GetBalanceFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balance, nil
}
