package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func testPosition(symbol string) *models.Position {
	tp := 74500.0
	return models.NewPosition(symbol, 70000, 10,
		time.Date(2026, 8, 24, 9, 30, 0, 0, models.KST), 67000, &tp, 1500)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	pos, err := s.Load("005930")
	require.NoError(t, err)
	assert.Nil(t, pos, "fresh store has no position")

	require.NoError(t, s.Save(testPosition("005930")))

	got, err := s.Load("005930")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "005930", got.Symbol)
	assert.Equal(t, 70000.0, got.EntryPrice)
	assert.Equal(t, int64(10), got.Quantity)
	assert.Equal(t, 67000.0, got.StopLoss)
}

func TestSaveSurvivesNewStoreInstance(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Save(testPosition("035720")))

	s2, err := NewStore(dir, nil)
	require.NoError(t, err)
	got, err := s2.Load("035720")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "035720", got.Symbol)
}

func TestSaveRejectsInvalidPosition(t *testing.T) {
	s := newTestStore(t)

	assert.Error(t, s.Save(nil))

	bad := testPosition("005930")
	bad.Quantity = -1
	assert.Error(t, s.Save(bad))

	got, err := s.Load("005930")
	require.NoError(t, err)
	assert.Nil(t, got, "rejected save must not persist anything")
}

func TestClearRemovesPosition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testPosition("005930")))
	require.NoError(t, s.Clear("005930"))

	got, err := s.Load("005930")
	require.NoError(t, err)
	assert.Nil(t, got)

	// clearing an absent symbol is fine
	assert.NoError(t, s.Clear("000660"))
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(testPosition("005930")))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPendingExitRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 24, 15, 25, 0, 0, models.KST)

	pe := models.NewPendingExit("005930", models.ExitATRStopLoss, "ATR_STOP_LOSS", now.Add(5*time.Minute), now)
	require.NoError(t, s.SavePendingExit(pe))

	got, err := s.LoadPendingExit("005930", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ATR_STOP_LOSS", got.ReasonCode)

	require.NoError(t, s.ClearPendingExit("005930"))
	got, err = s.LoadPendingExit("005930", now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPendingExitCoexistsWithPosition(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.Save(testPosition("005930")))
	pe := models.NewPendingExit("005930", models.ExitATRStopLoss, "ATR_STOP_LOSS", now.Add(5*time.Minute), now)
	require.NoError(t, s.SavePendingExit(pe))

	// clearing the pending exit leaves the position intact
	require.NoError(t, s.ClearPendingExit("005930"))
	pos, err := s.Load("005930")
	require.NoError(t, err)
	require.NotNil(t, pos)

	// and vice versa
	require.NoError(t, s.SavePendingExit(pe))
	require.NoError(t, s.Clear("005930"))
	got, err := s.LoadPendingExit("005930", now)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestLoadPendingExitDiscardsStale(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 8, 20, 15, 25, 0, 0, models.KST)

	pe := models.NewPendingExit("005930", models.ExitGapProtection, "GAP_PROTECTION", created.Add(5*time.Minute), created)
	require.NoError(t, s.SavePendingExit(pe))

	// just inside the 72h window it survives
	got, err := s.LoadPendingExit("005930", created.Add(71*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)

	// past the window it is discarded from disk
	got, err = s.LoadPendingExit("005930", created.Add(73*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)

	// a later read within the window still finds nothing
	got, err = s.LoadPendingExit("005930", created)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadPendingExitDiscardsSymbolMismatch(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// simulate a corrupted record whose body names a different symbol
	pe := models.NewPendingExit("000660", models.ExitATRStopLoss, "ATR_STOP_LOSS", now.Add(5*time.Minute), now)
	require.NoError(t, s.SavePendingExit(pe))

	// force the record under the wrong symbol's file
	src := s.path("000660")
	dst := s.path("005930")
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o600))

	got, err := s.LoadPendingExit("005930", now)
	require.NoError(t, err)
	assert.Nil(t, got, "mismatched symbol must be discarded")
}

func TestPendingExitMaxAgeConfigurable(t *testing.T) {
	s := newTestStore(t)
	s.SetPendingExitMaxAge(time.Hour)
	created := time.Date(2026, 8, 24, 15, 25, 0, 0, models.KST)

	pe := models.NewPendingExit("005930", models.ExitATRStopLoss, "ATR_STOP_LOSS", created.Add(5*time.Minute), created)
	require.NoError(t, s.SavePendingExit(pe))

	got, err := s.LoadPendingExit("005930", created.Add(55*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got, "within the tightened window")

	got, err = s.LoadPendingExit("005930", created.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got, "discarded at the configured age, not the 72h default")

	// zero and negative overrides keep the current limit
	s.SetPendingExitMaxAge(0)
	assert.Equal(t, time.Hour, s.pendingExitMaxAge)
}

func TestCorruptStateFileQuarantined(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testPosition("005930")))

	path := s.path("005930")
	require.NoError(t, os.WriteFile(path, []byte("{torn write"), 0o600))

	pos, err := s.Load("005930")
	require.NoError(t, err)
	assert.Nil(t, pos, "corrupt state reads as empty")

	assert.NoFileExists(t, path)
	data, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err)
	assert.Equal(t, "{torn write", string(data), "original bytes kept for inspection")

	// the slate is writable again
	require.NoError(t, s.Save(testPosition("005930")))
	pos, err = s.Load("005930")
	require.NoError(t, err)
	require.NotNil(t, pos)
}

func TestSymbolsListsStoredState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testPosition("005930")))
	require.NoError(t, s.Save(testPosition("035720")))

	syms, err := s.Symbols()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"005930", "035720"}, syms)
}
