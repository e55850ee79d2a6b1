// audit_positions compares local engine state with the broker account: the
// position store and non-terminal journal rows on one side, live holdings on
// the other. Run it when the engine is stopped and something looks off.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/journal"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
)

// auditReport is the machine-readable output of one audit run.
type auditReport struct {
	Mode            models.Mode    `json:"mode"`
	StoredPositions int            `json:"stored_positions"`
	BrokerHoldings  int            `json:"broker_holdings"`
	PendingOrders   int            `json:"pending_orders"`
	Issues          []string       `json:"issues"`
	Stored          map[string]int `json:"stored_qty"`
	Broker          map[string]int `json:"broker_qty"`
}

// maskAccount hides all but the last 4 characters of the account number.
func maskAccount(no string) string {
	if len(no) > 4 {
		return strings.Repeat("*", len(no)-4) + no[len(no)-4:]
	}
	return no
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		jsonOutput = flag.Bool("json", false, "output the report as JSON")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[AUDIT] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	mode := models.Mode(cfg.Environment.Mode)
	if mode == models.ModeDryRun {
		logger.Fatalf("DRY_RUN has no broker account to audit against")
	}
	fmt.Fprintf(os.Stderr, "auditing %s account %s\n", mode, maskAccount(cfg.Broker.AccountNo))

	kis, err := broker.NewKISClient(mode, cfg.Broker.AppKey, cfg.Broker.AppSecret,
		cfg.Broker.AccountNo, cfg.Broker.AccountProd, logger, broker.Options{
			Timeout:        cfg.APITimeout(),
			TokenCachePath: cfg.Broker.TokenCachePath,
		})
	if err != nil {
		logger.Fatalf("building KIS client: %v", err)
	}

	store, err := storage.NewStore(cfg.Storage.PositionsDir, logger)
	if err != nil {
		logger.Fatalf("opening position store: %v", err)
	}
	jnl, err := journal.New(cfg.Storage.JournalPath, logger)
	if err != nil {
		logger.Fatalf("opening order journal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := buildReport(ctx, mode, kis, store, jnl)
	if err != nil {
		logger.Fatalf("audit failed: %v", err)
	}

	if *jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			logger.Fatalf("marshaling report: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	printReport(report)
}

func buildReport(ctx context.Context, mode models.Mode, b broker.Broker, store *storage.Store, jnl *journal.Journal) (*auditReport, error) {
	bal, err := b.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching balance: %w", err)
	}
	syms, err := store.Symbols()
	if err != nil {
		return nil, fmt.Errorf("listing stored symbols: %w", err)
	}
	pending, err := jnl.NonTerminal(mode)
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}

	r := &auditReport{
		Mode:          mode,
		PendingOrders: len(pending),
		Stored:        map[string]int{},
		Broker:        map[string]int{},
	}
	for _, sym := range syms {
		pos, err := store.Load(sym)
		if err != nil || pos == nil {
			continue
		}
		r.Stored[sym] = int(pos.Quantity)
	}
	for _, h := range bal.Holdings {
		if h.Quantity > 0 {
			r.Broker[h.Symbol] = int(h.Quantity)
		}
	}
	r.StoredPositions = len(r.Stored)
	r.BrokerHoldings = len(r.Broker)
	r.Issues = diffHoldings(r.Stored, r.Broker, len(pending))
	return r, nil
}

// diffHoldings lists every way the two sides disagree.
func diffHoldings(stored, held map[string]int, pendingOrders int) []string {
	var issues []string
	for sym, qty := range stored {
		bq, ok := held[sym]
		switch {
		case !ok:
			issues = append(issues, fmt.Sprintf("%s: stored %d shares but broker holds none (phantom)", sym, qty))
		case bq != qty:
			issues = append(issues, fmt.Sprintf("%s: stored %d shares, broker holds %d", sym, qty, bq))
		}
	}
	for sym, qty := range held {
		if _, ok := stored[sym]; !ok {
			issues = append(issues, fmt.Sprintf("%s: broker holds %d shares with no stored position (untracked)", sym, qty))
		}
	}
	if pendingOrders > 0 {
		issues = append(issues, fmt.Sprintf("%d journal row(s) not terminal; run the engine so reconciliation can settle them", pendingOrders))
	}
	return issues
}

func printReport(r *auditReport) {
	fmt.Printf("mode:             %s\n", r.Mode)
	fmt.Printf("stored positions: %d\n", r.StoredPositions)
	for sym, qty := range r.Stored {
		fmt.Printf("  %s x%d\n", sym, qty)
	}
	fmt.Printf("broker holdings:  %d\n", r.BrokerHoldings)
	for sym, qty := range r.Broker {
		fmt.Printf("  %s x%d\n", sym, qty)
	}
	fmt.Printf("pending orders:   %d\n", r.PendingOrders)
	if len(r.Issues) == 0 {
		fmt.Println("no discrepancies found")
		return
	}
	fmt.Println("DISCREPANCIES:")
	for i, issue := range r.Issues {
		fmt.Printf("  %d. %s\n", i+1, issue)
	}
}
