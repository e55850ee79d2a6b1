// Package scheduler is the orchestrator: it owns the single-instance lock,
// runs startup reconciliation, fans one tick per symbol out to the
// per-symbol executors, and paces the loop by the tightest interval any
// executor asked for.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/executor"
	"github.com/hyunwoolee/kis-trend-atr/internal/indicator"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/orders"
	"github.com/hyunwoolee/kis-trend-atr/internal/reconcile"
	"github.com/hyunwoolee/kis-trend-atr/internal/risk"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
	"github.com/hyunwoolee/kis-trend-atr/internal/strategy"
	"github.com/hyunwoolee/kis-trend-atr/internal/universe"
)

// minTickFloor is the hard floor on the inter-tick sleep.
const minTickFloor = 15 * time.Second

// realCountdownSeconds is the warning window before REAL trading starts.
const realCountdownSeconds = 10

// Deps carries the shared components every executor is built from.
// Reconciler, Quotes, Events, Clock and Logger may be nil.
type Deps struct {
	Config     *config.Config
	Broker     broker.Broker
	Store      *storage.Store
	Journal    *journal.Journal
	Risk       *risk.Manager
	Universe   *universe.Service
	Market     *markethours.Service
	Reconciler *reconcile.Reconciler
	Quotes     executor.QuoteSource
	Events     *bus.Bus
	Clock      markethours.Clock
	Logger     *log.Logger
}

// Scheduler drives the multi-symbol trading loop.
type Scheduler struct {
	d       Deps
	maxRuns int
	sync    *orders.Synchronizer

	executors map[string]*executor.Executor
	// refused marks symbols whose reconciliation verdict disabled entries.
	refused map[string]bool
	lock    *InstanceLock
}

// New builds the scheduler. maxRuns 0 means run until cancelled.
func New(d Deps, maxRuns int) *Scheduler {
	if d.Clock == nil {
		d.Clock = markethours.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		d:       d,
		maxRuns: maxRuns,
		sync: orders.NewSynchronizer(d.Broker, d.Journal, d.Market, d.Events, d.Clock, d.Logger,
			d.Config.OrderExecutionTimeout(), d.Config.OrderCheckInterval()),
		executors: map[string]*executor.Executor{},
		refused:   map[string]bool{},
	}
}

// Run owns the loop from lock acquisition to the final position flush. It
// returns nil on clean shutdown, including cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.d.Config.Schedule.SingleInstanceEnforced() {
		lock, err := AcquireLock(s.d.Config.Schedule.LockPath)
		if err != nil {
			return err
		}
		s.lock = lock
		defer func() {
			if err := s.lock.Release(); err != nil {
				s.d.Logger.Printf("scheduler: releasing lock: %v", err)
			}
		}()
	}

	if s.d.Broker.Mode() == models.ModeReal {
		if err := s.countdown(ctx); err != nil {
			return nil
		}
	}

	s.reconcileAndGate(ctx)

	runs := 0
	for ctx.Err() == nil {
		interval, shouldExit := s.tick(ctx)
		runs++
		if shouldExit {
			s.d.Logger.Printf("scheduler: wind-down requested, stopping after %d runs", runs)
			break
		}
		if s.maxRuns > 0 && runs >= s.maxRuns {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	s.flushAll()
	return nil
}

// countdown warns the operator before the first REAL order can fire.
func (s *Scheduler) countdown(ctx context.Context) error {
	s.d.Logger.Printf("REAL trading with live money starts in %d seconds. Ctrl-C aborts.", realCountdownSeconds)
	for i := realCountdownSeconds; i > 0; i-- {
		s.d.Logger.Printf("  starting in %d...", i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// reconcileAndGate converges stored state with the broker and rebuilds the
// entry gate from the fresh verdicts. Runs before the first tick and again
// whenever a network outage ends; a symbol refused earlier trades normally
// once a later pass clears it. Symbols with an unresolved mismatch trade
// exits only.
func (s *Scheduler) reconcileAndGate(ctx context.Context) {
	if s.d.Reconciler == nil {
		return
	}
	refused := map[string]bool{}
	results := s.d.Reconciler.ReconcileAll(ctx, s.d.Config.Universe.Symbols)
	for sym, r := range results {
		if r.AllowNewEntries {
			continue
		}
		refused[sym] = true
		s.d.Logger.Printf("[%s] entries disabled by reconciliation: %s %s", sym, r.Outcome, r.Message)
	}
	s.refused = refused
}

// tick runs one pass over the day's run symbols and returns the sleep
// until the next pass plus whether a wind-down was requested.
func (s *Scheduler) tick(ctx context.Context) (time.Duration, bool) {
	fallback := clampInterval(s.d.Config.DefaultTickInterval())

	held, err := s.d.Store.Symbols()
	if err != nil {
		s.d.Logger.Printf("scheduler: listing held symbols: %v", err)
	}
	plan, err := s.d.Universe.Plan(ctx, held)
	if err != nil {
		s.d.Logger.Printf("scheduler: universe plan failed: %v", err)
		return fallback, false
	}
	if !plan.AllowNewEntries && plan.Reason != "" {
		s.d.Logger.Printf("scheduler: entries paused: %s", plan.Reason)
	}

	var (
		mu          sync.Mutex
		minInterval time.Duration
		shouldExit  bool
		recovered   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range plan.RunSymbols {
		ex, err := s.ensureExecutor(sym)
		if err != nil {
			s.d.Logger.Printf("[%s] building executor: %v", sym, err)
			continue
		}
		ex.SetAllowNewEntries(plan.AllowNewEntries && !s.refused[sym])
		g.Go(func() error {
			res, err := ex.RunOnce(gctx)
			if err != nil {
				// A failed tick never aborts the loop; the symbol retries
				// on the next pass.
				s.d.Logger.Printf("[%s] tick failed: %v", ex.Symbol(), err)
			}
			mu.Lock()
			defer mu.Unlock()
			if res.NextInterval > 0 && (minInterval == 0 || res.NextInterval < minInterval) {
				minInterval = res.NextInterval
			}
			shouldExit = shouldExit || res.ShouldExit
			recovered = recovered || res.NetworkRecovered
			return nil
		})
	}
	_ = g.Wait()

	if recovered {
		s.d.Logger.Printf("scheduler: network outage ended, re-reconciling")
		s.reconcileAndGate(ctx)
	}

	if minInterval == 0 {
		minInterval = fallback
	}
	return clampInterval(minInterval), shouldExit
}

// ensureExecutor lazily builds the per-symbol executor with its own
// strategy instance and prefixed logger.
func (s *Scheduler) ensureExecutor(symbol string) (*executor.Executor, error) {
	symbol = models.NormalizeSymbol(symbol)
	if ex, ok := s.executors[symbol]; ok {
		return ex, nil
	}
	ex, err := executor.New(symbol, executor.Deps{
		Config:   s.d.Config,
		Broker:   s.d.Broker,
		Strategy: strategy.New(symbol, s.d.Config.Strategy, indicator.SmoothWilder, nil),
		Store:    s.d.Store,
		Orders:   s.sync,
		Risk:     s.d.Risk,
		Journal:  s.d.Journal,
		Market:   s.d.Market,
		Quotes:   s.d.Quotes,
		Events:   s.d.Events,
		Clock:    s.d.Clock,
		Logger:   log.New(s.d.Logger.Writer(), fmt.Sprintf("[EXEC %s] ", symbol), log.LstdFlags),
	})
	if err != nil {
		return nil, err
	}
	s.executors[symbol] = ex
	return ex, nil
}

// flushAll persists every executor's position before exit.
func (s *Scheduler) flushAll() {
	for sym, ex := range s.executors {
		if err := ex.Flush(); err != nil {
			s.d.Logger.Printf("[%s] flushing position: %v", sym, err)
		}
	}
}

func clampInterval(d time.Duration) time.Duration {
	if d < minTickFloor {
		return minTickFloor
	}
	return d
}
