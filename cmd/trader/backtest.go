package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/indicator"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/strategy"
)

// backtestResult accumulates the walk-forward outcome for one symbol.
type backtestResult struct {
	Symbol   string
	Trades   int
	Wins     int
	Losses   int
	TotalPnL float64
	OpenQty  int64
}

func cmdBacktest(args []string) int {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	symbol := fs.String("symbol", "", "backtest only this symbol")
	days := fs.Int("days", 365, "how many calendar days of history to replay")
	_ = fs.Parse(args)

	logger := log.New(os.Stdout, "[BACKTEST] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading config: %v", err)
		return 1
	}
	symbols := cfg.Universe.Symbols
	if *symbol != "" {
		symbols = []string{*symbol}
	}
	if len(symbols) == 0 {
		logger.Printf("no symbols: set universe.symbols or pass --symbol")
		return 1
	}

	// Backtests always run against a non-trading data client.
	b, err := buildBroker(cfg, models.ModeDryRun, logger)
	if err != nil {
		logger.Printf("building data client: %v", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now().In(models.KST)
	from := now.AddDate(0, 0, -*days)
	warmup := cfg.Strategy.TrendMAPeriod + 1

	var total float64
	for _, sym := range symbols {
		bars, err := b.GetDailyOHLCV(ctx, sym, from, now)
		if err != nil {
			logger.Printf("[%s] fetching bars: %v", sym, err)
			return 1
		}
		bars = models.SortBars(bars)
		if len(bars) <= warmup {
			logger.Printf("[%s] only %d bars, need more than %d for the trend MA", sym, len(bars), warmup)
			continue
		}
		res := replaySymbol(cfg, sym, bars, warmup, logger)
		printResult(res)
		total += res.TotalPnL
	}
	fmt.Printf("\ncombined realized P&L: %+.0f KRW\n", total)
	return 0
}

// replaySymbol walks the bar series one day at a time, evaluating each day
// with only the history before it and filling signals at that day's close.
func replaySymbol(cfg *config.Config, sym string, bars []models.Bar, warmup int, logger *log.Logger) backtestResult {
	strat := strategy.New(sym, cfg.Strategy, indicator.SmoothWilder, nil)
	res := backtestResult{Symbol: sym}
	cash := float64(dryRunStartingCash)

	for i := warmup; i < len(bars); i++ {
		hist := bars[:i]
		day := bars[i]
		sig := strat.Evaluate(hist, day.Close, day.Open, day.Date)

		switch sig.Type {
		case models.SignalBuy:
			qty := int64(cash * cfg.Risk.PerSymbolAllocation / sig.Price)
			if qty <= 0 {
				continue
			}
			if _, err := strat.OpenPosition(sig.Price, qty, sig.ATR, day.Date); err != nil {
				logger.Printf("[%s] %s open: %v", sym, day.Date.Format("2006-01-02"), err)
				continue
			}
			logger.Printf("[%s] %s BUY  %d @ %.0f (%s)", sym, day.Date.Format("2006-01-02"), qty, sig.Price, sig.Reason)
		case models.SignalSell:
			pos := strat.Position()
			if pos == nil {
				continue
			}
			pnl, _, err := strat.ApplySellFill(sig.Price, pos.Quantity)
			if err != nil {
				logger.Printf("[%s] %s close: %v", sym, day.Date.Format("2006-01-02"), err)
				continue
			}
			res.Trades++
			res.TotalPnL += pnl
			cash += pnl
			if pnl >= 0 {
				res.Wins++
			} else {
				res.Losses++
			}
			logger.Printf("[%s] %s SELL @ %.0f pnl %+.0f (%s)", sym, day.Date.Format("2006-01-02"), sig.Price, pnl, sig.ExitReason)
		}
	}

	if pos := strat.Position(); pos != nil {
		res.OpenQty = pos.Quantity
	}
	return res
}

func printResult(r backtestResult) {
	fmt.Printf("\n%s: %d closed trades, %d wins / %d losses, realized P&L %+.0f KRW", r.Symbol, r.Trades, r.Wins, r.Losses, r.TotalPnL)
	if r.OpenQty > 0 {
		fmt.Printf(" (still holding %d shares)", r.OpenQty)
	}
	fmt.Println()
}
