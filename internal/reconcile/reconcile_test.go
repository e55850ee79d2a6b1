package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/mock"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
)

var now = time.Date(2026, 8, 24, 8, 50, 0, 0, models.KST)

type fixture struct {
	broker  *mock.Broker
	store   *storage.Store
	journal *journal.Journal
	bus     *bus.Bus
	events  <-chan bus.Event
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.NewStore(filepath.Join(dir, "positions"), nil)
	require.NoError(t, err)
	j, err := journal.New(filepath.Join(dir, "journal.db"), nil)
	require.NoError(t, err)
	b := mock.NewBroker()
	eb := bus.New(nil)
	f := &fixture{broker: b, store: st, journal: j, bus: eb, events: eb.Subscribe()}
	f.rec = New(b, st, j, eb, markethours.FixedClock{T: now}, nil)
	return f
}

func (f *fixture) storePosition(t *testing.T, symbol string, qty int64) *models.Position {
	t.Helper()
	tp := 74500.0
	pos := models.NewPosition(symbol, 70000, qty, now.Add(-48*time.Hour), 67000, &tp, 1500)
	require.NoError(t, f.store.Save(pos))
	return pos
}

func (f *fixture) drainEvents(t *testing.T) []bus.Event {
	t.Helper()
	var out []bus.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (f *fixture) journalFilledBuy(t *testing.T, symbol string, qty int64) {
	t.Helper()
	sig := models.SignalID(symbol, models.SideBuy, 70500, now.Add(-24*time.Hour))
	key := models.IdempotencyKey(models.ModePaper, models.SideBuy, symbol, qty, sig)
	_, _, err := f.journal.Begin(key, sig, symbol, models.SideBuy, qty, models.ModePaper, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkSubmitted(key, "0000007"))
	require.NoError(t, f.journal.MarkFilled(key, qty, ""))
}

// journalSubmittedBuy leaves a SUBMITTED row behind, as a crash between
// placement and the fill wait would.
func (f *fixture) journalSubmittedBuy(t *testing.T, symbol, orderNo string, qty int64) string {
	t.Helper()
	sig := models.SignalID(symbol, models.SideBuy, 70500, now.Add(-time.Hour))
	key := models.IdempotencyKey(models.ModePaper, models.SideBuy, symbol, qty, sig)
	_, _, err := f.journal.Begin(key, sig, symbol, models.SideBuy, qty, models.ModePaper, now.Add(-time.Hour))
	require.NoError(t, err)
	if orderNo != "" {
		require.NoError(t, f.journal.MarkSubmitted(key, orderNo))
	}
	return key
}

func TestInFlightOrderSettledAsFilled(t *testing.T) {
	f := newFixture(t)
	key := f.journalSubmittedBuy(t, "005930", "0000042", 7)
	f.broker.GetOrderStatusFunc = func(ctx context.Context, orderNo string) ([]broker.ExecutedOrder, error) {
		require.Equal(t, "0000042", orderNo)
		return []broker.ExecutedOrder{{
			OrderNo: "0000042", Symbol: "005930", Side: models.SideBuy,
			OrderedQty: 7, FilledQty: 7, AvgPrice: 70500,
		}}, nil
	}
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 7, AvgPrice: 70500}},
	}

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]

	row, err := f.journal.Get(key)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, row.Status)
	assert.Equal(t, int64(7), row.FilledQty)

	// the settled BUY now justifies reconstructing the untracked holding
	assert.Equal(t, AutoRecovered, r.Outcome)
	assert.True(t, r.AllowNewEntries)

	open, err := f.journal.NonTerminal(models.ModePaper)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestInFlightOrderSettledAsCancelled(t *testing.T) {
	f := newFixture(t)
	key := f.journalSubmittedBuy(t, "005930", "0000042", 7)
	f.broker.GetOrderStatusFunc = func(ctx context.Context, orderNo string) ([]broker.ExecutedOrder, error) {
		return []broker.ExecutedOrder{{
			OrderNo: "0000042", Symbol: "005930", Side: models.SideBuy,
			OrderedQty: 7, FilledQty: 3, RemainingQty: 4, AvgPrice: 70500,
		}}, nil
	}

	f.rec.ReconcileAll(context.Background(), []string{"005930"})

	row, err := f.journal.Get(key)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, row.Status)
	assert.Equal(t, int64(3), row.FilledQty)
	assert.Equal(t, int64(4), row.RemainingQty)
}

func TestCrashedPendingRowRejected(t *testing.T) {
	f := newFixture(t)
	key := f.journalSubmittedBuy(t, "005930", "", 7) // never reached the broker

	statusCalls := 0
	f.broker.GetOrderStatusFunc = func(ctx context.Context, orderNo string) ([]broker.ExecutedOrder, error) {
		statusCalls++
		return nil, nil
	}

	f.rec.ReconcileAll(context.Background(), []string{"005930"})

	row, err := f.journal.Get(key)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRejected, row.Status)
	assert.Equal(t, 0, statusCalls, "no order number, nothing to look up")
}

func TestInFlightLookupFailureLeavesRowOpen(t *testing.T) {
	f := newFixture(t)
	key := f.journalSubmittedBuy(t, "005930", "0000042", 7)
	f.broker.GetOrderStatusFunc = func(ctx context.Context, orderNo string) ([]broker.ExecutedOrder, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	f.rec.ReconcileAll(context.Background(), []string{"005930"})

	row, err := f.journal.Get(key)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSubmitted, row.Status, "settled on a later pass instead")
}

func TestNoPosition(t *testing.T) {
	f := newFixture(t)
	res := f.rec.ReconcileAll(context.Background(), []string{"005930"})
	r := res["005930"]
	assert.Equal(t, NoPosition, r.Outcome)
	assert.True(t, r.AllowNewEntries)
	assert.Nil(t, r.Position)
	assert.Len(t, f.drainEvents(t), 1)
}

func TestMatchedResumesStoredPosition(t *testing.T) {
	f := newFixture(t)
	pos := f.storePosition(t, "005930", 10)
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 10, AvgPrice: 70000}},
	}

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]
	assert.Equal(t, Matched, r.Outcome)
	assert.True(t, r.AllowNewEntries)
	require.NotNil(t, r.Position)
	assert.Equal(t, pos.StopLoss, r.Position.StopLoss, "stored fixed fields survive")
	assert.Equal(t, pos.ATRAtEntry, r.Position.ATRAtEntry)
}

func TestQtyAdjustedTrustsBroker(t *testing.T) {
	f := newFixture(t)
	f.storePosition(t, "005930", 10)
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 6, AvgPrice: 70000}},
	}

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]
	assert.Equal(t, QtyAdjusted, r.Outcome)
	assert.True(t, r.AllowNewEntries)
	assert.Equal(t, int64(6), r.Position.Quantity)
	assert.Equal(t, 70000.0, r.Position.EntryPrice, "entry price is not rewritten")
	assert.Equal(t, 67000.0, r.Position.StopLoss)

	// the adjustment is persisted
	reloaded, err := f.store.Load("005930")
	require.NoError(t, err)
	assert.Equal(t, int64(6), reloaded.Quantity)
}

func TestAutoRecoverFromJournalAndHolding(t *testing.T) {
	f := newFixture(t)
	f.journalFilledBuy(t, "005930", 7)
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 7, AvgPrice: 70500}},
	}

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]
	assert.Equal(t, AutoRecovered, r.Outcome)
	assert.True(t, r.AllowNewEntries)
	require.NotNil(t, r.Position)
	assert.True(t, r.Position.Reconstructed)
	assert.Equal(t, int64(7), r.Position.Quantity)
	assert.Equal(t, 70500.0, r.Position.EntryPrice)
	assert.InDelta(t, 66975.0, r.Position.StopLoss, 1e-9)  // avg * 0.95
	assert.InDelta(t, 705.0, r.Position.ATRAtEntry, 1e-9) // 1% of avg
	assert.Nil(t, r.Position.TakeProfit)

	reloaded, err := f.store.Load("005930")
	require.NoError(t, err)
	assert.True(t, reloaded.Reconstructed)
}

func TestUntrackedHoldingRefusesTrading(t *testing.T) {
	f := newFixture(t)
	// store empty, no journal, broker holds 005930 x 7 @ 70500
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 7, AvgPrice: 70500}},
	}

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]
	assert.Equal(t, UntrackedHolding, r.Outcome)
	assert.False(t, r.AllowNewEntries)
	assert.Nil(t, r.Position, "no auto-liquidation, no store write")

	stored, err := f.store.Load("005930")
	require.NoError(t, err)
	assert.Nil(t, stored)

	events := f.drainEvents(t)
	require.Len(t, events, 1, "operator notification emitted exactly once")
	assert.Equal(t, bus.ReconcileOutcome, events[0].Type)
	assert.Equal(t, string(UntrackedHolding), events[0].Fields["outcome"])
}

func TestStoredInvalidDeletesAndRefuses(t *testing.T) {
	f := newFixture(t)
	f.storePosition(t, "005930", 10)
	f.broker.Balance = &broker.AccountBalance{} // broker holds nothing

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]
	assert.Equal(t, StoredInvalid, r.Outcome)
	assert.False(t, r.AllowNewEntries)

	stored, err := f.store.Load("005930")
	require.NoError(t, err)
	assert.Nil(t, stored, "stale position deleted, converging to broker truth")
}

func TestCriticalMismatchKeepsStore(t *testing.T) {
	f := newFixture(t)
	f.storePosition(t, "005930", 10)
	// broker holds a different symbol entirely
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "035720", Quantity: 3, AvgPrice: 48000}},
	}

	res := f.rec.ReconcileAll(context.Background(), []string{"005930"})
	r := res["005930"]
	assert.Equal(t, CriticalMismatch, r.Outcome)
	assert.False(t, r.AllowNewEntries)

	// the stored position is kept for the operator to inspect
	stored, err := f.store.Load("005930")
	require.NoError(t, err)
	require.NotNil(t, stored)

	// the foreign holding itself reconciles as untracked
	assert.Equal(t, UntrackedHolding, res["035720"].Outcome)
}

func TestAPIFailedRefusesWithoutTouchingStore(t *testing.T) {
	f := newFixture(t)
	f.storePosition(t, "005930", 10)
	f.broker.GetBalanceFunc = func(ctx context.Context) (*broker.AccountBalance, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	r := f.rec.ReconcileAll(context.Background(), []string{"005930"})["005930"]
	assert.Equal(t, APIFailed, r.Outcome)
	assert.False(t, r.AllowNewEntries)

	stored, err := f.store.Load("005930")
	require.NoError(t, err)
	require.NotNil(t, stored, "store untouched on API failure")
	assert.Equal(t, int64(10), stored.Quantity)
}

func TestQuantityInvariantAfterReconcile(t *testing.T) {
	f := newFixture(t)
	f.storePosition(t, "005930", 10)
	f.journalFilledBuy(t, "000660", 4)
	f.broker.Balance = &broker.AccountBalance{
		Holdings: []broker.Holding{
			{Symbol: "005930", Quantity: 8, AvgPrice: 70000},
			{Symbol: "000660", Quantity: 4, AvgPrice: 120000},
		},
	}

	res := f.rec.ReconcileAll(context.Background(), []string{"005930", "000660"})
	for sym, r := range res {
		h := f.broker.Balance.HoldingFor(sym)
		switch r.Outcome {
		case UntrackedHolding, CriticalMismatch, APIFailed:
			assert.False(t, r.AllowNewEntries)
		default:
			if h != nil {
				require.NotNil(t, r.Position, sym)
				assert.Equal(t, h.Quantity, r.Position.Quantity, sym)
			} else {
				assert.Nil(t, r.Position, sym)
			}
		}
	}
}
