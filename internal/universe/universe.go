// Package universe selects the day's tradable symbols. Holdings are always
// admitted first; entry candidates come from the configured selection
// method and must clear the safety filters. The selection is cached per
// KST trading date and refreshed once after the market opens.
package universe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/broker"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/indicator"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
)

// maxDailyMovePct excludes symbols already at or near the daily price limit.
const maxDailyMovePct = 28.0

// Snapshot is the per-symbol market data the filters run on. MarketCap may
// be zero when the data source cannot provide it; the filter then only
// applies when a floor is configured.
type Snapshot struct {
	Symbol          string
	Price           float64
	Open            float64
	TradeValue      float64 // price * accumulated volume, KRW
	MarketCap       float64
	ATRPct          float64 // ATR / price * 100
	Suspended       bool
	ManagementIssue bool
}

// DataSource supplies candidate snapshots.
type DataSource interface {
	Snapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// Selection is the cached per-date result.
type Selection struct {
	Date                string    `json:"date"` // KST YYYY-MM-DD
	Method              string    `json:"method"`
	Symbols             []string  `json:"symbols"`
	SavedAt             time.Time `json:"saved_at"`
	MarketOpenRefreshed bool      `json:"market_open_refreshed"`
}

// Plan is what the scheduler runs a tick against.
type Plan struct {
	Holdings        []string
	EntryCandidates []string
	RunSymbols      []string
	AllowNewEntries bool
	Reason          string
}

// Service owns the daily selection.
type Service struct {
	source DataSource
	cfg    config.UniverseConfig
	market *markethours.Service
	clock  markethours.Clock
	logger *log.Logger

	mu     sync.Mutex
	cached *Selection
}

// New builds a universe service. clock may be nil.
func New(source DataSource, cfg config.UniverseConfig, market *markethours.Service,
	clock markethours.Clock, logger *log.Logger) *Service {
	if clock == nil {
		clock = markethours.SystemClock{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Service{source: source, cfg: cfg, market: market, clock: clock, logger: logger}
	s.loadCache()
	return s
}

func (s *Service) loadCache() {
	if s.cfg.CachePath == "" {
		return
	}
	var sel Selection
	if err := storage.ReadJSON(s.cfg.CachePath, &sel); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("universe: cache unreadable, ignoring: %v", err)
		}
		return
	}
	s.cached = &sel
}

func (s *Service) persistCache(sel *Selection) {
	if s.cfg.CachePath == "" {
		return
	}
	if err := storage.WriteJSONAtomic(s.cfg.CachePath, sel); err != nil {
		s.logger.Printf("universe: persisting selection failed: %v", err)
	}
}

// Select returns today's universe, reusing the cached selection when valid.
// A selection computed before the open is recomputed once the market opens,
// so opening-auction data feeds the final pick.
func (s *Service) Select(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	date := now.In(models.KST).Format("2006-01-02")
	open := s.market.Status(now) == markethours.StatusOpen

	if c := s.cached; c != nil && c.Date == date {
		if c.MarketOpenRefreshed || !open {
			return c.Symbols, nil
		}
	}

	symbols, err := s.compute(ctx)
	if err != nil {
		if c := s.cached; c != nil && c.Date == date {
			s.logger.Printf("universe: recompute failed, keeping cached selection: %v", err)
			return c.Symbols, nil
		}
		return nil, err
	}

	sel := &Selection{
		Date:                date,
		Method:              s.cfg.Method,
		Symbols:             symbols,
		SavedAt:             now,
		MarketOpenRefreshed: open,
	}
	s.cached = sel
	s.persistCache(sel)
	s.logger.Printf("universe: selected %d symbols by %s (refreshed=%t)", len(symbols), s.cfg.Method, open)
	return symbols, nil
}

// compute runs the configured method over the candidate pool.
func (s *Service) compute(ctx context.Context) ([]string, error) {
	snaps, err := s.snapshots(ctx)
	if err != nil {
		return nil, err
	}

	passed := make([]*Snapshot, 0, len(snaps))
	for _, sn := range snaps {
		if ok, reason := s.safe(sn); !ok {
			s.logger.Printf("universe: %s excluded: %s", sn.Symbol, reason)
			continue
		}
		passed = append(passed, sn)
	}

	switch s.cfg.Method {
	case "fixed":
		return symbolsOf(passed), nil
	case "volume_top":
		return symbolsOf(topByTradeValue(passed, s.cfg.TopN)), nil
	case "atr_filter":
		return symbolsOf(filterByATRBand(passed, s.cfg.ATRMinPct, s.cfg.ATRMaxPct)), nil
	case "combined":
		ranked := topByTradeValue(passed, s.cfg.TopN)
		return symbolsOf(filterByATRBand(ranked, s.cfg.ATRMinPct, s.cfg.ATRMaxPct)), nil
	default:
		return nil, fmt.Errorf("unknown universe method %q", s.cfg.Method)
	}
}

func (s *Service) snapshots(ctx context.Context) ([]*Snapshot, error) {
	var out []*Snapshot
	for _, sym := range s.cfg.Symbols {
		sym = models.NormalizeSymbol(sym)
		sn, err := s.source.Snapshot(ctx, sym)
		if err != nil {
			s.logger.Printf("universe: snapshot for %s failed, skipping: %v", sym, err)
			continue
		}
		out = append(out, sn)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no candidate snapshots available")
	}
	return out, nil
}

// safe applies the candidate safety filters.
func (s *Service) safe(sn *Snapshot) (bool, string) {
	if sn.Suspended {
		return false, "trading suspended"
	}
	if sn.ManagementIssue {
		return false, "management issue"
	}
	if s.cfg.MinVolume > 0 && sn.TradeValue < s.cfg.MinVolume {
		return false, fmt.Sprintf("trade value %.0f below floor %.0f", sn.TradeValue, s.cfg.MinVolume)
	}
	if s.cfg.MinMarketCap > 0 && sn.MarketCap > 0 && sn.MarketCap < s.cfg.MinMarketCap {
		return false, fmt.Sprintf("market cap %.0f below floor %.0f", sn.MarketCap, s.cfg.MinMarketCap)
	}
	if sn.Open > 0 {
		move := math.Abs(sn.Price-sn.Open) / sn.Open * 100
		if move >= maxDailyMovePct {
			return false, fmt.Sprintf("moved %.1f%% from open", move)
		}
	}
	return true, ""
}

func topByTradeValue(snaps []*Snapshot, n int) []*Snapshot {
	sorted := make([]*Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TradeValue > sorted[j].TradeValue
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func filterByATRBand(snaps []*Snapshot, minPct, maxPct float64) []*Snapshot {
	var out []*Snapshot
	for _, sn := range snaps {
		if sn.ATRPct >= minPct && sn.ATRPct <= maxPct {
			out = append(out, sn)
		}
	}
	return out
}

func symbolsOf(snaps []*Snapshot) []string {
	out := make([]string, len(snaps))
	for i, sn := range snaps {
		out[i] = sn.Symbol
	}
	return out
}

// Plan combines current holdings with today's universe. Holdings always
// run; entry candidates are admitted only below the position cap.
func (s *Service) Plan(ctx context.Context, holdings []string) (*Plan, error) {
	selected, err := s.Select(ctx)
	if err != nil {
		return nil, err
	}

	held := map[string]bool{}
	p := &Plan{AllowNewEntries: true}
	for _, h := range holdings {
		h = models.NormalizeSymbol(h)
		if !held[h] {
			held[h] = true
			p.Holdings = append(p.Holdings, h)
		}
	}
	for _, sym := range selected {
		if !held[sym] {
			p.EntryCandidates = append(p.EntryCandidates, sym)
		}
	}
	p.RunSymbols = append(append([]string{}, p.Holdings...), p.EntryCandidates...)

	if len(p.Holdings) >= s.cfg.MaxPositions {
		p.AllowNewEntries = false
		p.Reason = fmt.Sprintf("holdings %d at position cap %d", len(p.Holdings), s.cfg.MaxPositions)
	}
	return p, nil
}

// BrokerSource builds snapshots from live quotes plus the daily chart.
type BrokerSource struct {
	broker    broker.Broker
	atrPeriod int
}

// NewBrokerSource wires the production data source.
func NewBrokerSource(b broker.Broker, atrPeriod int) *BrokerSource {
	return &BrokerSource{broker: b, atrPeriod: atrPeriod}
}

// Snapshot fetches the quote and enough daily bars to compute the ATR band.
func (bs *BrokerSource) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	q, err := bs.broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sn := &Snapshot{
		Symbol:     models.NormalizeSymbol(symbol),
		Price:      q.Price,
		Open:       q.Open,
		TradeValue: q.Price * float64(q.Volume),
	}

	to := time.Now().In(models.KST)
	from := to.AddDate(0, 0, -bs.atrPeriod*4)
	bars, err := bs.broker.GetDailyOHLCV(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	atr := indicator.Latest(indicator.ATR(bars, bs.atrPeriod, indicator.SmoothWilder))
	if !math.IsNaN(atr) && q.Price > 0 {
		sn.ATRPct = atr / q.Price * 100
	}
	return sn, nil
}
