// Package broker provides the KIS OpenAPI client used for quotes, daily
// bars, cash orders and account balance, plus the circuit-breaker wrapper
// the rest of the engine talks through.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// Broker defines the operations the engine requires from a brokerage.
type Broker interface {
	// Market data
	GetDailyOHLCV(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
	GetCurrentPrice(ctx context.Context, symbol string) (*models.Quote, error)

	// Orders. price 0 means a market order.
	PlaceOrder(ctx context.Context, side models.Side, symbol string, qty int64, price float64) (orderNo string, err error)
	CancelOrder(ctx context.Context, orderNo, symbol string) error
	GetOrderStatus(ctx context.Context, orderNo string) ([]ExecutedOrder, error)
	WaitForExecution(ctx context.Context, orderNo, symbol string, expectedQty int64,
		timeout, pollInterval time.Duration) (*ExecutionResult, error)

	// Account
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)

	// Mode reports which server the client is bound to. A client never
	// upgrades PAPER to REAL.
	Mode() models.Mode

	// NetworkDownFor reports whether transport failures have been continuous
	// for at least window. The executor refuses new entries while true.
	NetworkDownFor(window time.Duration) bool
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure the wrapper satisfies the interface at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible
// defaults tuned for a 20 req/s API.
func NewCircuitBreakerBroker(broker Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *log.Logger,
	settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "KISCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
			}
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetDailyOHLCV wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetDailyOHLCV(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Bar, error) {
		return b.GetDailyOHLCV(ctx, symbol, from, to)
	})
}

// GetCurrentPrice wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.Quote, error) {
		return b.GetCurrentPrice(ctx, symbol)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, side models.Side, symbol string,
	qty int64, price float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceOrder(ctx, side, symbol, qty, price)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderNo, symbol string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderNo, symbol)
	})
	return err
}

// GetOrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderNo string) ([]ExecutedOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]ExecutedOrder, error) {
		return b.GetOrderStatus(ctx, orderNo)
	})
}

// WaitForExecution delegates without the breaker: it is a long poll built on
// already-wrapped calls, and tripping on its timeout would mask fills.
func (c *CircuitBreakerBroker) WaitForExecution(ctx context.Context, orderNo, symbol string,
	expectedQty int64, timeout, pollInterval time.Duration) (*ExecutionResult, error) {
	return c.broker.WaitForExecution(ctx, orderNo, symbol, expectedQty, timeout, pollInterval)
}

// GetAccountBalance wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*AccountBalance, error) {
		return b.GetAccountBalance(ctx)
	})
}

// Mode reports the wrapped broker's mode.
func (c *CircuitBreakerBroker) Mode() models.Mode { return c.broker.Mode() }

// NetworkDownFor reports the wrapped broker's transport health.
func (c *CircuitBreakerBroker) NetworkDownFor(window time.Duration) bool {
	return c.broker.NetworkDownFor(window)
}
