package universe

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// stubSource serves canned snapshots and counts calls.
type stubSource struct {
	snaps map[string]*Snapshot
	calls int
}

func (s *stubSource) Snapshot(_ context.Context, symbol string) (*Snapshot, error) {
	s.calls++
	sn, ok := s.snaps[symbol]
	if !ok {
		return nil, fmt.Errorf("no data for %s", symbol)
	}
	return sn, nil
}

// 2026-08-24 is a Monday.
var (
	preOpen = time.Date(2026, 8, 24, 8, 40, 0, 0, models.KST)
	midOpen = time.Date(2026, 8, 24, 10, 0, 0, 0, models.KST)
)

func testMarket(t *testing.T) *markethours.Service {
	t.Helper()
	cal, err := markethours.NewHolidaySet(nil)
	require.NoError(t, err)
	return markethours.NewService(cal, true)
}

func snap(symbol string, price, open, tradeValue, atrPct float64) *Snapshot {
	return &Snapshot{Symbol: symbol, Price: price, Open: open, TradeValue: tradeValue, ATRPct: atrPct}
}

func defaultSnaps() map[string]*Snapshot {
	return map[string]*Snapshot{
		"005930": snap("005930", 70000, 69800, 5e11, 2.1),
		"000660": snap("000660", 120000, 119000, 3e11, 3.4),
		"035720": snap("035720", 48000, 47500, 1e11, 1.2),
		"005380": snap("005380", 240000, 238000, 2e11, 5.5),
	}
}

func testConfig(method string, dir string) config.UniverseConfig {
	return config.UniverseConfig{
		Method:       method,
		Symbols:      []string{"005930", "000660", "035720", "005380"},
		TopN:         3,
		ATRMinPct:    1.5,
		ATRMaxPct:    5.0,
		MaxPositions: 3,
		CachePath:    filepath.Join(dir, "universe_cache.json"),
	}
}

func newService(t *testing.T, method string, src DataSource, now time.Time) *Service {
	t.Helper()
	return New(src, testConfig(method, t.TempDir()), testMarket(t), markethours.FixedClock{T: now}, nil)
}

func TestFixedMethodKeepsConfiguredSymbols(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	s := newService(t, "fixed", src, preOpen)

	syms, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"005930", "000660", "035720", "005380"}, syms)
}

func TestVolumeTopRanksByTradeValue(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	s := newService(t, "volume_top", src, preOpen)

	syms, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "000660", "005380"}, syms)
}

func TestATRFilterKeepsBand(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	s := newService(t, "atr_filter", src, preOpen)

	syms, err := s.Select(context.Background())
	require.NoError(t, err)
	// 035720 at 1.2% is below the band, 005380 at 5.5% above
	assert.ElementsMatch(t, []string{"005930", "000660"}, syms)
}

func TestCombinedRanksThenFilters(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	s := newService(t, "combined", src, preOpen)

	syms, err := s.Select(context.Background())
	require.NoError(t, err)
	// top-3 by value drops 035720; the ATR band then drops 005380
	assert.Equal(t, []string{"005930", "000660"}, syms)
}

func TestSafetyFiltersExcludeCandidates(t *testing.T) {
	snaps := defaultSnaps()
	snaps["000660"].Suspended = true
	snaps["035720"].ManagementIssue = true
	// 005380 up 29% from open: at the daily limit
	snaps["005380"] = snap("005380", 307000, 238000, 2e11, 5.5)

	src := &stubSource{snaps: snaps}
	s := newService(t, "fixed", src, preOpen)

	syms, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, syms)
}

func TestTradeValueFloor(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	cfg := testConfig("fixed", t.TempDir())
	cfg.MinVolume = 1.5e11
	s := New(src, cfg, testMarket(t), markethours.FixedClock{T: preOpen}, nil)

	syms, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"005930", "000660", "005380"}, syms, "035720 below the value floor")
}

func TestSelectionCachedWithinDay(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	s := newService(t, "fixed", src, preOpen)

	_, err := s.Select(context.Background())
	require.NoError(t, err)
	callsAfterFirst := src.calls

	_, err = s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, src.calls, "second select reuses the cache")
}

func TestPreOpenSelectionRefreshesOnceAfterOpen(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	cfg := testConfig("fixed", t.TempDir())
	market := testMarket(t)

	s := New(src, cfg, market, markethours.FixedClock{T: preOpen}, nil)
	_, err := s.Select(context.Background())
	require.NoError(t, err)
	preOpenCalls := src.calls

	// same cache file, clock now inside the session
	s2 := New(src, cfg, market, markethours.FixedClock{T: midOpen}, nil)
	_, err = s2.Select(context.Background())
	require.NoError(t, err)
	assert.Greater(t, src.calls, preOpenCalls, "open-market select recomputes the pre-open pick")

	refreshed := src.calls
	_, err = s2.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, refreshed, src.calls, "the refresh happens once")
}

func TestPlanHoldingsFirstAndPositionCap(t *testing.T) {
	src := &stubSource{snaps: defaultSnaps()}
	s := newService(t, "fixed", src, midOpen)

	p, err := s.Plan(context.Background(), []string{"005930"})
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, p.Holdings)
	assert.ElementsMatch(t, []string{"000660", "035720", "005380"}, p.EntryCandidates)
	assert.Equal(t, "005930", p.RunSymbols[0], "holdings run first")
	assert.True(t, p.AllowNewEntries)

	// at the cap entries are refused with a reason
	p, err = s.Plan(context.Background(), []string{"005930", "000660", "035720"})
	require.NoError(t, err)
	assert.False(t, p.AllowNewEntries)
	assert.Contains(t, p.Reason, "position cap")

	// a held symbol outside today's universe still runs
	p, err = s.Plan(context.Background(), []string{"123456"})
	require.NoError(t, err)
	assert.Contains(t, p.RunSymbols, "123456")
}
