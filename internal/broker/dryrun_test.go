package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

func TestDryRunRoundTrip(t *testing.T) {
	d := NewDryRunBroker(nil, 1_000_000, nil)
	d.SetQuote(&models.Quote{Symbol: "005930", Price: 70000})
	ctx := context.Background()

	orderNo, err := d.PlaceOrder(ctx, models.SideBuy, "005930", 10, 0)
	require.NoError(t, err)

	res, err := d.WaitForExecution(ctx, orderNo, "005930", 10, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, res.Status)
	assert.Equal(t, int64(10), res.ExecQty)
	assert.Equal(t, 70000.0, res.ExecPrice)
	require.Len(t, res.Fills, 1)

	bal, err := d.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300000.0, bal.Cash)
	h := bal.HoldingFor("005930")
	require.NotNil(t, h)
	assert.Equal(t, int64(10), h.Quantity)

	// sell it all back at a higher price
	d.SetQuote(&models.Quote{Symbol: "005930", Price: 72000})
	sellNo, err := d.PlaceOrder(ctx, models.SideSell, "005930", 10, 0)
	require.NoError(t, err)
	res, err = d.WaitForExecution(ctx, sellNo, "005930", 10, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, res.Status)

	bal, err = d.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1_020_000.0, bal.Cash)
	assert.Nil(t, bal.HoldingFor("005930"))
}

func TestDryRunRejectsOverdraftAndOversell(t *testing.T) {
	d := NewDryRunBroker(nil, 100_000, nil)
	d.SetQuote(&models.Quote{Symbol: "005930", Price: 70000})
	ctx := context.Background()

	_, err := d.PlaceOrder(ctx, models.SideBuy, "005930", 10, 0) // 700k > 100k
	assert.Error(t, err)

	_, err = d.PlaceOrder(ctx, models.SideSell, "005930", 1, 0)
	assert.Error(t, err, "nothing held to sell")
}

func TestDryRunModeAndUnknownOrder(t *testing.T) {
	d := NewDryRunBroker(nil, 0, nil)
	assert.Equal(t, models.ModeDryRun, d.Mode())
	assert.False(t, d.NetworkDownFor(time.Minute))

	_, err := d.WaitForExecution(context.Background(), "nope", "005930", 1, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
