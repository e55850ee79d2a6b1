package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// flakyBroker fails every call until healed.
type flakyBroker struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (f *flakyBroker) do() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.healthy {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyBroker) GetDailyOHLCV(context.Context, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, f.do()
}
func (f *flakyBroker) GetCurrentPrice(context.Context, string) (*models.Quote, error) {
	if err := f.do(); err != nil {
		return nil, err
	}
	return &models.Quote{Symbol: "005930", Price: 70000}, nil
}
func (f *flakyBroker) PlaceOrder(context.Context, models.Side, string, int64, float64) (string, error) {
	return "", f.do()
}
func (f *flakyBroker) CancelOrder(context.Context, string, string) error { return f.do() }
func (f *flakyBroker) GetOrderStatus(context.Context, string) ([]ExecutedOrder, error) {
	return nil, f.do()
}
func (f *flakyBroker) WaitForExecution(context.Context, string, string, int64, time.Duration, time.Duration) (*ExecutionResult, error) {
	if err := f.do(); err != nil {
		return nil, err
	}
	return &ExecutionResult{Status: models.OrderFilled}, nil
}
func (f *flakyBroker) GetAccountBalance(context.Context) (*AccountBalance, error) {
	return nil, f.do()
}
func (f *flakyBroker) Mode() models.Mode            { return models.ModePaper }
func (f *flakyBroker) NetworkDownFor(time.Duration) bool { return false }

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	inner := &flakyBroker{}
	cb := NewCircuitBreakerBrokerWithSettings(inner, nil, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		MinRequests:  3,
		FailureRatio: 0.6,
	})
	ctx := context.Background()

	// enough failures to trip
	for i := 0; i < 4; i++ {
		_, err := cb.GetCurrentPrice(ctx, "005930")
		require.Error(t, err)
	}

	// open: calls are short-circuited without reaching the broker
	before := inner.calls
	_, err := cb.GetCurrentPrice(ctx, "005930")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, inner.calls)

	// heal and wait out the open window; the half-open trial succeeds
	inner.mu.Lock()
	inner.healthy = true
	inner.mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	q, err := cb.GetCurrentPrice(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 70000.0, q.Price)
}

func TestCircuitBreakerPassThrough(t *testing.T) {
	inner := &flakyBroker{healthy: true}
	cb := NewCircuitBreakerBroker(inner, nil)
	ctx := context.Background()

	q, err := cb.GetCurrentPrice(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, "005930", q.Symbol)

	assert.Equal(t, models.ModePaper, cb.Mode())
	assert.False(t, cb.NetworkDownFor(time.Minute))

	res, err := cb.WaitForExecution(ctx, "1", "005930", 10, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, res.Status)
}
