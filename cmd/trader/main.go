// Command trader runs the KIS trend-ATR trading engine.
//
//	trader trade    — run the live loop (DRY_RUN / PAPER / REAL)
//	trader backtest — replay the strategy over historical daily bars
//	trader verify   — check config, credentials and account access
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/reconcile"
	"github.com/hyunwoolee/kis-trend-atr/internal/risk"
	"github.com/hyunwoolee/kis-trend-atr/internal/scheduler"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
	"github.com/hyunwoolee/kis-trend-atr/internal/universe"
)

const dryRunStartingCash = 10_000_000 // KRW

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "trade":
		return cmdTrade(args[1:])
	case "backtest":
		return cmdBacktest(args[1:])
	case "verify":
		return cmdVerify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: trader <subcommand> [flags]

subcommands:
  trade      run the trading loop
  backtest   replay the strategy over historical daily bars
  verify     check config, credentials and account access`)
}

func cmdTrade(args []string) int {
	fs := flag.NewFlagSet("trade", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	symbol := fs.String("symbol", "", "trade only this symbol, overriding the universe")
	interval := fs.String("interval", "", "override the default tick interval, e.g. 30s")
	maxRuns := fs.Int("max-runs", 0, "stop after N ticks (0 = run until signalled)")
	confirmReal := fs.Bool("confirm-real-trading", false, "second factor required for REAL mode")
	realFirstPct := fs.Float64("real-first-order-percent", 0, "override the REAL first-order sizing percent")
	realLimitFirstDay := fs.Bool("real-limit-symbols-first-day", false, "REAL mode: restrict the first day to one symbol")
	_ = fs.Parse(args)

	logger := log.New(os.Stdout, "[TRADER] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading config: %v", err)
		return 1
	}
	if *symbol != "" {
		cfg.Universe.Method = "fixed"
		cfg.Universe.Symbols = []string{*symbol}
	}
	if *interval != "" {
		if _, err := time.ParseDuration(*interval); err != nil {
			logger.Printf("invalid --interval: %v", err)
			return 1
		}
		cfg.Execution.DefaultInterval = *interval
	}
	if *realFirstPct > 0 {
		cfg.Risk.RealFirstOrderPercent = *realFirstPct
	}

	mode := cfg.EffectiveMode(*confirmReal)
	if cfg.Environment.Mode == string(models.ModeReal) && mode != models.ModeReal {
		logger.Printf("REAL mode requested but not fully confirmed, falling back to DRY_RUN")
	}
	if mode == models.ModeReal && *realLimitFirstDay && len(cfg.Universe.Symbols) > 1 {
		logger.Printf("first-day REAL limit: trading only %s", cfg.Universe.Symbols[0])
		cfg.Universe.Symbols = cfg.Universe.Symbols[:1]
		cfg.Universe.MaxPositions = 1
	}
	logger.Printf("starting in %s mode, universe method %s", mode, cfg.Universe.Method)

	b, err := buildBroker(cfg, mode, logger)
	if err != nil {
		logger.Printf("building broker: %v", err)
		return 1
	}

	cal, err := markethours.NewHolidaySet(cfg.Schedule.Holidays)
	if err != nil {
		logger.Printf("holiday calendar: %v", err)
		return 1
	}
	market := markethours.NewService(cal, cfg.Schedule.MarketHoursEnforced())

	events := bus.New(logger)
	defer events.Close()
	go bus.AuditSink(events.Subscribe(), log.New(os.Stdout, "[AUDIT] ", log.LstdFlags))

	store, err := storage.NewStore(cfg.Storage.PositionsDir, logger)
	if err != nil {
		logger.Printf("position store: %v", err)
		return 1
	}
	store.SetPendingExitMaxAge(cfg.PendingExitMaxAge())
	jnl, err := journal.New(cfg.Storage.JournalPath, logger)
	if err != nil {
		logger.Printf("order journal: %v", err)
		return 1
	}

	riskStatePath := filepath.Join(filepath.Dir(cfg.Storage.JournalPath), "risk_state.json")
	riskMgr, err := risk.NewManager(cfg.Risk, riskStatePath, events, nil, logger)
	if err != nil {
		logger.Printf("risk manager: %v", err)
		return 1
	}
	if cfg.Environment.KillSwitch {
		riskMgr.TripKillSwitch("kill_switch enabled in configuration")
	}

	uni := universe.New(universe.NewBrokerSource(b, cfg.Strategy.ATRPeriod), cfg.Universe, market, nil, logger)
	rec := reconcile.New(b, store, jnl, events, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := scheduler.Deps{
		Config:     cfg,
		Broker:     b,
		Store:      store,
		Journal:    jnl,
		Risk:       riskMgr,
		Universe:   uni,
		Market:     market,
		Reconciler: rec,
		Events:     events,
		Logger:     logger,
	}
	if mode != models.ModeDryRun {
		if qc := startRealtimeQuotes(ctx, cfg, mode, logger); qc != nil {
			deps.Quotes = qc
		}
	}
	sched := scheduler.New(deps, *maxRuns)

	if err := sched.Run(ctx); err != nil {
		logger.Printf("scheduler: %v", err)
		return 1
	}
	logger.Printf("stopped cleanly")
	return 0
}

// startRealtimeQuotes runs the websocket feed with reconnection and returns
// the cache the executors read fresh quotes from. The feed is an
// accelerator only: when it cannot be built or drops, the engine keeps
// polling REST quotes.
func startRealtimeQuotes(ctx context.Context, cfg *config.Config, mode models.Mode, logger *log.Logger) *broker.QuoteCache {
	feed, err := broker.NewRealtimeFeed(mode, cfg.Broker.AppKey, cfg.Broker.AppSecret, logger)
	if err != nil {
		logger.Printf("realtime feed unavailable, polling REST only: %v", err)
		return nil
	}
	cache := broker.NewQuoteCache(0)
	go cache.Consume(ctx, feed.Updates())
	go func() {
		bo := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
		for ctx.Err() == nil {
			started := time.Now()
			err := feed.Run(ctx, cfg.Universe.Symbols)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > time.Minute {
				bo.Reset()
			}
			d := bo.Duration()
			logger.Printf("realtime feed dropped (%v), reconnecting in %s", err, d.Round(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}()
	return cache
}

func cmdVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	confirmReal := fs.Bool("confirm-real-trading", false, "second factor required for REAL mode")
	_ = fs.Parse(args)

	logger := log.New(os.Stdout, "[VERIFY] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading config: %v", err)
		return 1
	}
	mode := cfg.EffectiveMode(*confirmReal)

	fmt.Printf("config:            %s\n", *configPath)
	fmt.Printf("mode:              %s (configured %s)\n", mode, cfg.Environment.Mode)
	fmt.Printf("universe:          %s %v\n", cfg.Universe.Method, cfg.Universe.Symbols)
	fmt.Printf("positions dir:     %s\n", cfg.Storage.PositionsDir)
	fmt.Printf("journal:           %s\n", cfg.Storage.JournalPath)
	fmt.Printf("market hours:      enforced=%t\n", cfg.Schedule.MarketHoursEnforced())
	fmt.Printf("single instance:   enforced=%t (%s)\n", cfg.Schedule.SingleInstanceEnforced(), cfg.Schedule.LockPath)

	b, err := buildBroker(cfg, mode, logger)
	if err != nil {
		logger.Printf("building broker: %v", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	bal, err := b.GetAccountBalance(ctx)
	if err != nil {
		logger.Printf("account check failed: %v", err)
		return 1
	}
	fmt.Printf("cash:              %.0f KRW\n", bal.Cash)
	fmt.Printf("total equity:      %.0f KRW\n", bal.TotalEquity)
	fmt.Printf("holdings:          %d\n", len(bal.Holdings))
	for _, h := range bal.Holdings {
		fmt.Printf("  %s %s x%d @ %.0f (pnl %.0f)\n", h.Symbol, h.Name, h.Quantity, h.AvgPrice, h.PnL)
	}
	fmt.Println("verify: OK")
	return 0
}

// buildBroker constructs the broker for mode. DRY_RUN simulates fills,
// optionally using a read-only KIS client for market data; PAPER and REAL
// talk to KIS behind the circuit breaker.
func buildBroker(cfg *config.Config, mode models.Mode, logger *log.Logger) (broker.Broker, error) {
	opts := broker.Options{
		Timeout:        cfg.APITimeout(),
		RateLimitDelay: cfg.RateLimitInterval(),
		TokenCachePath: cfg.Broker.TokenCachePath,
	}

	if mode == models.ModeDryRun {
		var data broker.Broker
		if cfg.Broker.AppKey != "" && cfg.Broker.AppSecret != "" && cfg.Broker.AccountNo != "" {
			kis, err := broker.NewKISClient(models.ModePaper, cfg.Broker.AppKey, cfg.Broker.AppSecret,
				cfg.Broker.AccountNo, cfg.Broker.AccountProd, logger, opts)
			if err != nil {
				return nil, err
			}
			data = broker.NewCircuitBreakerBroker(kis, logger)
		} else {
			logger.Printf("DRY_RUN without credentials: no live market data available")
		}
		return broker.NewDryRunBroker(data, dryRunStartingCash, logger), nil
	}

	kis, err := broker.NewKISClient(mode, cfg.Broker.AppKey, cfg.Broker.AppSecret,
		cfg.Broker.AccountNo, cfg.Broker.AccountProd, logger, opts)
	if err != nil {
		return nil, err
	}
	return broker.NewCircuitBreakerBroker(kis, logger), nil
}
