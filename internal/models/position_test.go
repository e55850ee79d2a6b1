package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(v float64) *float64 { return &v }

func kstTime(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, KST)
}

func TestNewPositionInitialState(t *testing.T) {
	p := NewPosition("5930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, tp(74500), 1500)

	assert.Equal(t, "005930", p.Symbol)
	assert.Equal(t, StateEntered, p.State)
	assert.Equal(t, 67000.0, p.TrailingStop, "initial trailing equals stop")
	assert.Equal(t, 70000.0, p.HighestPrice, "initial high equals entry")
	require.NoError(t, p.Validate())
}

func TestPositionValidateRejectsBrokenInvariants(t *testing.T) {
	base := func() *Position {
		return NewPosition("005930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, tp(74500), 1500)
	}

	tests := []struct {
		name   string
		mutate func(*Position)
	}{
		{"zero quantity", func(p *Position) { p.Quantity = 0 }},
		{"stop above entry", func(p *Position) { p.StopLoss = 70001 }},
		{"zero stop", func(p *Position) { p.StopLoss = 0 }},
		{"take profit below entry", func(p *Position) { p.TakeProfit = tp(69999) }},
		{"trailing below stop", func(p *Position) { p.TrailingStop = 66000 }},
		{"highest below entry", func(p *Position) { p.HighestPrice = 69000 }},
		{"zero atr", func(p *Position) { p.ATRAtEntry = 0 }},
		{"wait state while held", func(p *Position) { p.State = StateWait }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestTrailingStopMonotone(t *testing.T) {
	p := NewPosition("005930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, nil, 1500)

	assert.True(t, p.RaiseTrailingStop(68000))
	assert.Equal(t, 68000.0, p.TrailingStop)

	// lower candidates never pull the trailing stop back down
	assert.False(t, p.RaiseTrailingStop(67500))
	assert.Equal(t, 68000.0, p.TrailingStop)

	assert.True(t, p.RaiseTrailingStop(69000))
	assert.Equal(t, 69000.0, p.TrailingStop)
}

func TestScaleInWeightedAverage(t *testing.T) {
	p := NewPosition("005930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, tp(74500), 1500)
	stop, atr := p.StopLoss, p.ATRAtEntry

	p.ScaleIn(71000, 10)

	assert.Equal(t, int64(20), p.Quantity)
	assert.InDelta(t, 70500.0, p.EntryPrice, 0.01)
	assert.Equal(t, stop, p.StopLoss, "fixed fields untouched by scale-in")
	assert.Equal(t, atr, p.ATRAtEntry)

	p.ScaleIn(70900, 4)
	assert.Equal(t, int64(24), p.Quantity)
	// (70500*20 + 70900*4) / 24
	assert.InDelta(t, 70566.67, p.EntryPrice, 0.01)
}

func TestReduceKeepsEntryPrice(t *testing.T) {
	p := NewPosition("005930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, nil, 1500)

	remaining := p.Reduce(4)
	assert.Equal(t, int64(6), remaining)
	assert.Equal(t, 70000.0, p.EntryPrice)

	remaining = p.Reduce(100) // over-reduce clamps to zero
	assert.Equal(t, int64(0), remaining)
}

func TestDistanceToStopPct(t *testing.T) {
	p := NewPosition("005930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, tp(74500), 1500)

	assert.Equal(t, 0.0, p.DistanceToStopPct(70000))
	assert.InDelta(t, 50.0, p.DistanceToStopPct(68500), 0.001)
	assert.InDelta(t, 100.0, p.DistanceToStopPct(67000), 0.001)
	assert.Equal(t, 0.0, p.DistanceToStopPct(71000), "above entry clamps to zero")

	assert.InDelta(t, 50.0, p.DistanceToTakeProfitPct(72250), 0.001)
}

func TestPnL(t *testing.T) {
	p := NewPosition("005930", 70000, 10, kstTime(2025, 3, 10, 9, 30), 67000, nil, 1500)

	amount, pct := p.PnL(75000)
	assert.Equal(t, 50000.0, amount)
	assert.InDelta(t, 7.142857, pct, 1e-6)

	amount, _ = p.PnL(66900)
	assert.Equal(t, -31000.0, amount)
}

func TestPendingExitStalenessAndBackoff(t *testing.T) {
	now := kstTime(2025, 3, 10, 15, 25)
	pe := NewPendingExit("005930", ExitATRStopLoss, "market_closed", now.Add(5*time.Minute), now)

	assert.False(t, pe.Due(now))
	assert.True(t, pe.Due(now.Add(5*time.Minute)))
	assert.False(t, pe.Stale(now.Add(71*time.Hour)))
	assert.True(t, pe.Stale(now.Add(73*time.Hour)))

	// identical intent collapses to the same retry key
	again := NewPendingExit("5930", ExitATRStopLoss, "market_closed", now, now)
	assert.Equal(t, pe.RetryKey, again.RetryKey)
}

func TestIdempotencyKeyCollapsesSameMinuteIntent(t *testing.T) {
	at := kstTime(2025, 3, 10, 9, 31)
	sigA := SignalID("005930", SideBuy, 70000, at)
	sigB := SignalID("5930", SideBuy, 70000, at.Add(40*time.Second))
	assert.Equal(t, sigA, sigB, "same minute, same intent")

	keyA := IdempotencyKey(ModePaper, SideBuy, "005930", 10, sigA)
	keyB := IdempotencyKey(ModePaper, SideBuy, "5930", 10, sigB)
	assert.Equal(t, keyA, keyB)
	assert.Len(t, keyA, 64, "sha-256 lowercase hex")

	// the next minute is a new intent
	sigC := SignalID("005930", SideBuy, 70000, at.Add(time.Minute))
	assert.NotEqual(t, keyA, IdempotencyKey(ModePaper, SideBuy, "005930", 10, sigC))

	// mode is part of the key: paper and real never collide
	assert.NotEqual(t, keyA, IdempotencyKey(ModeReal, SideBuy, "005930", 10, sigA))
}

func TestFillDedupKey(t *testing.T) {
	at := kstTime(2025, 3, 10, 9, 31)

	withExecID := Fill{OrderNo: "0001", ExecID: "E-77", ExecutedAt: at, Price: 70000, Qty: 6, Side: SideBuy}
	sameExec := Fill{OrderNo: "0001", ExecID: "E-77", ExecutedAt: at.Add(time.Second), Price: 70000, Qty: 6, Side: SideBuy}
	assert.Equal(t, withExecID.DedupKey(ModePaper, "005930"), sameExec.DedupKey(ModePaper, "005930"),
		"exec_id wins over timestamp differences")

	noExecID := Fill{OrderNo: "0001", ExecutedAt: at, Price: 70000, Qty: 6, Side: SideBuy}
	shifted := Fill{OrderNo: "0001", ExecutedAt: at.Add(time.Second), Price: 70000, Qty: 6, Side: SideBuy}
	assert.NotEqual(t, noExecID.DedupKey(ModePaper, "005930"), shifted.DedupKey(ModePaper, "005930"))
}

func TestSortBars(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2025, 3, day, 0, 0, 0, 0, KST) }
	bars := []Bar{
		{Date: d(12), Close: 3},
		{Date: d(10), Close: 1},
		{Date: d(11), Close: 2},
		{Date: d(10), Close: 9}, // duplicate date: last wins
	}

	sorted := SortBars(bars)
	require.Len(t, sorted, 3)
	assert.Equal(t, 9.0, sorted[0].Close)
	assert.Equal(t, 2.0, sorted[1].Close)
	assert.Equal(t, 3.0, sorted[2].Close)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "005930", NormalizeSymbol("5930"))
	assert.Equal(t, "005930", NormalizeSymbol("005930"))
	assert.NoError(t, ValidateSymbol("035720"))
	assert.Error(t, ValidateSymbol("ABC123"))
	assert.Error(t, ValidateSymbol("1234567"))
}
