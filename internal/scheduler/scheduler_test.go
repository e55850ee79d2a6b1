package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/mock"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/reconcile"
	"github.com/hyunwoolee/kis-trend-atr/internal/risk"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
	"github.com/hyunwoolee/kis-trend-atr/internal/universe"
)

type tickClock struct{ t time.Time }

func (c *tickClock) Now() time.Time { return c.t }

// 2026-08-24 is a Monday.
var sessionOpen = time.Date(2026, 8, 24, 10, 0, 0, 0, models.KST)

type stubSource struct{ snaps map[string]*universe.Snapshot }

func (s *stubSource) Snapshot(_ context.Context, symbol string) (*universe.Snapshot, error) {
	sn, ok := s.snaps[symbol]
	if !ok {
		return nil, fmt.Errorf("no data for %s", symbol)
	}
	return sn, nil
}

func testSchedConfig(dir string) *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			ATRPeriod: 14, TrendMAPeriod: 50, ADXPeriod: 14,
			ATRMultiplierSL: 2.0, ATRMultiplierTP: 3.0, MaxLossPct: 5.0,
			ATRSpikeThreshold: 2.5, ADXThreshold: 25,
			Gap: config.GapConfig{MaxLossPct: 2.0, Reference: "entry", EpsilonPct: 0.001},
		},
		Risk: config.RiskConfig{
			DailyMaxLossPercent: 2.0, DailyMaxTrades: 3, MaxConsecutiveLosses: 2,
			MaxDrawdownPct: 15, DrawdownWarningPct: 10,
			PerSymbolAllocation: 0.1, RealFirstOrderPercent: 10,
		},
		Execution: config.ExecutionConfig{
			OrderExecutionTimeout: "45s", OrderCheckInterval: "5ms",
			PendingExitBackoffMinutes: 5, PendingExitMaxAgeHours: 72,
			DefaultInterval: "60s", NearStopInterval: "15s",
			NearStopThresholdPct: 70, NearTakeProfitAlertPcts: []int{80, 90},
		},
		Universe: config.UniverseConfig{
			Method:       "fixed",
			Symbols:      []string{"005930", "000660"},
			MaxPositions: 3,
			CachePath:    filepath.Join(dir, "universe_cache.json"),
		},
		Schedule: config.ScheduleConfig{
			LockPath: filepath.Join(dir, "trader.lock"),
		},
	}
}

type fixture struct {
	cfg    *config.Config
	clock  *tickClock
	broker *mock.Broker
	store  *storage.Store
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := testSchedConfig(dir)
	clock := &tickClock{t: sessionOpen}

	b := mock.NewBroker()
	b.Balance = &broker.AccountBalance{Cash: 10_000_000, TotalEquity: 10_000_000}

	st, err := storage.NewStore(filepath.Join(dir, "positions"), nil)
	require.NoError(t, err)
	j, err := journal.New(filepath.Join(dir, "journal.db"), nil)
	require.NoError(t, err)

	cal, err := markethours.NewHolidaySet(nil)
	require.NoError(t, err)
	market := markethours.NewService(cal, true)

	eb := bus.New(nil)
	rm, err := risk.NewManager(cfg.Risk, filepath.Join(dir, "risk.json"), eb, clock, nil)
	require.NoError(t, err)

	src := &stubSource{snaps: map[string]*universe.Snapshot{
		"005930": {Symbol: "005930", Price: 70000, Open: 69800, TradeValue: 5e11, ATRPct: 2.1},
		"000660": {Symbol: "000660", Price: 120000, Open: 119000, TradeValue: 3e11, ATRPct: 3.4},
	}}
	uni := universe.New(src, cfg.Universe, market, clock, nil)
	rec := reconcile.New(b, st, j, eb, clock, nil)

	sched := New(Deps{
		Config:     cfg,
		Broker:     b,
		Store:      st,
		Journal:    j,
		Risk:       rm,
		Universe:   uni,
		Market:     market,
		Reconciler: rec,
		Events:     eb,
		Clock:      clock,
	}, 1)

	return &fixture{cfg: cfg, clock: clock, broker: b, store: st, sched: sched}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.lock")

	l1, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")

	require.NoError(t, l1.Release())
	assert.NoFileExists(t, path)

	l2, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestReclaimStale(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)

	t.Run("fresh file is kept", func(t *testing.T) {
		path := filepath.Join(dir, "fresh.lock")
		require.NoError(t, os.WriteFile(path, []byte("pid=999999999 at=x\n"), 0o644))
		assert.False(t, reclaimStale(path))
	})

	t.Run("old file with live pid is kept", func(t *testing.T) {
		path := filepath.Join(dir, "live.lock")
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("pid=%d at=x\n", os.Getpid())), 0o644))
		require.NoError(t, os.Chtimes(path, old, old))
		assert.False(t, reclaimStale(path))
	})

	t.Run("old file with dead pid is reclaimed", func(t *testing.T) {
		path := filepath.Join(dir, "dead.lock")
		require.NoError(t, os.WriteFile(path, []byte("pid=999999999 at=x\n"), 0o644))
		require.NoError(t, os.Chtimes(path, old, old))
		assert.True(t, reclaimStale(path))
		assert.NoFileExists(t, path)
	})
}

func TestRunBuildsExecutorsPerRunSymbol(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.Run(context.Background()))

	assert.Len(t, f.sched.executors, 2)
	assert.Contains(t, f.sched.executors, "005930")
	assert.Contains(t, f.sched.executors, "000660")
	assert.NoFileExists(t, f.cfg.Schedule.LockPath, "lock released on exit")
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	l, err := AcquireLock(f.cfg.Schedule.LockPath)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	err = f.sched.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")
}

func TestKillSwitchWindsDownAndKeepsPositions(t *testing.T) {
	f := newFixture(t)
	f.sched.maxRuns = 3

	tp := 74500.0
	pos := models.NewPosition("005930", 70000, 10, sessionOpen.Add(-48*time.Hour), 67000, &tp, 1500)
	require.NoError(t, f.store.Save(pos))
	f.broker.Balance.Holdings = []broker.Holding{{Symbol: "005930", Quantity: 10, AvgPrice: 70000}}

	f.sched.d.Risk.TripKillSwitch("operator stop")

	require.NoError(t, f.sched.Run(context.Background()))

	stored, err := f.store.Load("005930")
	require.NoError(t, err)
	require.NotNil(t, stored, "position survives the wind-down")
	assert.Equal(t, int64(10), stored.Quantity)
}

func TestReconcileRefusalDisablesEntries(t *testing.T) {
	f := newFixture(t)
	// untracked broker holding: entries for the symbol must stay disabled
	f.broker.Balance.Holdings = []broker.Holding{{Symbol: "005930", Quantity: 7, AvgPrice: 70500}}

	require.NoError(t, f.sched.Run(context.Background()))
	assert.True(t, f.sched.refused["005930"])
	assert.False(t, f.sched.refused["000660"])
}

func TestNetworkRecoveryRerunsReconciliation(t *testing.T) {
	f := newFixture(t)
	// untracked broker holding: startup reconciliation refuses 005930
	f.broker.Balance.Holdings = []broker.Holding{{Symbol: "005930", Quantity: 7, AvgPrice: 70500}}
	f.sched.reconcileAndGate(context.Background())
	require.True(t, f.sched.refused["005930"])

	// the operator clears the foreign holding while the engine keeps running
	f.broker.Balance.Holdings = nil
	for _, sym := range f.cfg.Universe.Symbols {
		f.broker.Bars[sym] = flatBars(60)
		f.broker.Quotes[sym] = &models.Quote{Symbol: sym, Price: 150, Open: 151, Volume: 1000}
	}

	f.broker.NetworkDown = true
	f.sched.tick(context.Background())
	assert.True(t, f.sched.refused["005930"], "outage tick leaves the gate untouched")

	f.broker.NetworkDown = false
	f.sched.tick(context.Background())
	assert.False(t, f.sched.refused["005930"], "recovery re-reconciles and clears the stale refusal")
}

func flatBars(n int) []models.Bar {
	bars := make([]models.Bar, n)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, models.KST)
	for i := range bars {
		bars[i] = models.Bar{
			Date: base.AddDate(0, 0, i),
			Open: 150, High: 151, Low: 149, Close: 150,
			Volume: 100000,
		}
	}
	return bars
}

func TestCancelledContextStillFlushesAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.sched.Run(ctx))
	assert.NoFileExists(t, f.cfg.Schedule.LockPath)
}
