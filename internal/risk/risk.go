// Package risk aggregates the trading guards: daily loss limit, trade count,
// consecutive-loss breaker and the cumulative-drawdown kill switch. Every
// order passes through CheckOrderAllowed before it reaches the broker.
package risk

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/bus"
	"github.com/hyunwoolee/kis-trend-atr/internal/config"
	"github.com/hyunwoolee/kis-trend-atr/internal/markethours"
	"github.com/hyunwoolee/kis-trend-atr/internal/models"
	"github.com/hyunwoolee/kis-trend-atr/internal/storage"
)

// snapshotTTL limits how often UpdateAccountSnapshot hits the metrics.
const snapshotTTL = 60 * time.Second

// KillSwitchStatus is the global trading stop state.
type KillSwitchStatus string

const (
	KillOff     KillSwitchStatus = "OFF"
	KillArmed   KillSwitchStatus = "ARMED"
	KillTripped KillSwitchStatus = "TRIPPED"
)

// KillSwitch carries the stop state with its provenance.
type KillSwitch struct {
	Status    KillSwitchStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	TrippedAt *time.Time       `json:"tripped_at,omitempty"`
}

// DailyPnL aggregates one KST trading day. Reset on the date boundary.
type DailyPnL struct {
	Date              string  `json:"date"` // KST YYYY-MM-DD
	RealizedPnL       float64 `json:"realized_pnl"`
	Trades            int     `json:"trades"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	StartingCapital   float64 `json:"starting_capital"`
	CurrentEquity     float64 `json:"current_equity"`
	CapitalSynced     bool    `json:"capital_synced"`
}

// State is the risk state persisted across runs.
type State struct {
	PeakEquity            float64    `json:"peak_equity"`
	CumulativeDrawdownPct float64    `json:"cumulative_drawdown_pct"`
	KillSwitch            KillSwitch `json:"kill_switch"`
	Daily                 DailyPnL   `json:"daily"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// CheckResult is an order-admission decision.
type CheckResult struct {
	Passed     bool
	Reason     string
	ShouldExit bool
}

// Manager owns the risk state. All mutation is serialized by one mutex;
// reads hand out copies.
type Manager struct {
	mu     sync.Mutex
	cfg    config.RiskConfig
	clock  markethours.Clock
	events *bus.Bus
	logger *log.Logger

	statePath      string
	state          State
	lastSnapshotAt time.Time
}

// NewManager loads any persisted state from statePath. events and clock may
// be nil (no bus, system clock).
func NewManager(cfg config.RiskConfig, statePath string, events *bus.Bus,
	clock markethours.Clock, logger *log.Logger) (*Manager, error) {
	if clock == nil {
		clock = markethours.SystemClock{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Manager{
		cfg:       cfg,
		clock:     clock,
		events:    events,
		logger:    logger,
		statePath: statePath,
		state:     State{KillSwitch: KillSwitch{Status: KillOff}},
	}
	if statePath != "" {
		err := storage.ReadJSON(statePath, &m.state)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading risk state: %w", err)
		}
	}
	if m.state.KillSwitch.Status == "" {
		m.state.KillSwitch.Status = KillOff
	}
	return m, nil
}

func kstDate(t time.Time) string {
	return t.In(models.KST).Format("2006-01-02")
}

// rollDailyLocked resets the daily window on a KST date change. Equity and
// the kill switch carry across days; the counters do not.
func (m *Manager) rollDailyLocked(now time.Time) {
	date := kstDate(now)
	if m.state.Daily.Date == date {
		return
	}
	prev := m.state.Daily
	m.state.Daily = DailyPnL{
		Date:            date,
		StartingCapital: prev.CurrentEquity,
		CurrentEquity:   prev.CurrentEquity,
	}
}

func (m *Manager) persistLocked() {
	if m.statePath == "" {
		return
	}
	m.state.UpdatedAt = m.clock.Now()
	if err := storage.WriteJSONAtomic(m.statePath, &m.state); err != nil {
		m.logger.Printf("risk: persisting state failed: %v", err)
	}
}

func (m *Manager) publish(t bus.Type, msg string, fields map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{Type: t, At: m.clock.Now(), Message: msg, Fields: fields})
}

// dailyRealizedPctLocked is the day's realized P&L as a percentage of the
// day's starting capital.
func (m *Manager) dailyRealizedPctLocked() float64 {
	if m.state.Daily.StartingCapital <= 0 {
		return 0
	}
	return m.state.Daily.RealizedPnL / m.state.Daily.StartingCapital * 100
}

// CheckOrderAllowed gates an order. Closing positions are always allowed;
// entries are refused by any tripped guard. ShouldExit=true tells the
// scheduler the run must wind down.
func (m *Manager) CheckOrderAllowed(isClosing bool) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDailyLocked(m.clock.Now())

	if m.state.KillSwitch.Status == KillTripped {
		if isClosing {
			return CheckResult{Passed: true, Reason: "kill switch tripped, closing allowed"}
		}
		return m.failLocked("kill switch tripped: "+m.state.KillSwitch.Reason, true)
	}
	if isClosing {
		return CheckResult{Passed: true}
	}

	d := m.state.Daily
	if d.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return m.failLocked(fmt.Sprintf("consecutive losses %d >= limit %d",
			d.ConsecutiveLosses, m.cfg.MaxConsecutiveLosses), false)
	}
	if d.Trades >= m.cfg.DailyMaxTrades {
		return m.failLocked(fmt.Sprintf("daily trades %d >= limit %d", d.Trades, m.cfg.DailyMaxTrades), false)
	}
	if pct := m.dailyRealizedPctLocked(); pct <= -m.cfg.DailyMaxLossPercent {
		return m.failLocked(fmt.Sprintf("daily loss %.2f%% >= limit %.2f%%", -pct, m.cfg.DailyMaxLossPercent), false)
	}
	if m.state.CumulativeDrawdownPct >= m.cfg.MaxDrawdownPct {
		m.tripLocked(fmt.Sprintf("cumulative drawdown %.2f%% >= limit %.2f%%",
			m.state.CumulativeDrawdownPct, m.cfg.MaxDrawdownPct))
		return m.failLocked("kill switch tripped: "+m.state.KillSwitch.Reason, true)
	}
	return CheckResult{Passed: true}
}

func (m *Manager) failLocked(reason string, shouldExit bool) CheckResult {
	m.publish(bus.RiskCheckFailed, reason, nil)
	return CheckResult{Passed: false, Reason: reason, ShouldExit: shouldExit}
}

// RecordEntry counts a new position against the daily trade limit.
func (m *Manager) RecordEntry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDailyLocked(m.clock.Now())
	m.state.Daily.Trades++
	m.persistLocked()
}

// RecordTradePnL books a realized exit. Losses advance the consecutive
// counter; wins reset it. Equity-derived drawdown is recomputed and may
// arm or trip the kill switch.
func (m *Manager) RecordTradePnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDailyLocked(m.clock.Now())

	d := &m.state.Daily
	d.RealizedPnL += pnl
	if pnl < 0 {
		d.Losses++
		d.ConsecutiveLosses++
	} else {
		d.Wins++
		d.ConsecutiveLosses = 0
	}
	d.CurrentEquity += pnl
	m.updateDrawdownLocked()
	m.persistLocked()
}

// SnapshotDue reports whether the snapshot TTL has elapsed, so callers can
// skip the balance fetch entirely inside the window.
func (m *Manager) SnapshotDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnapshotAt.IsZero() || m.clock.Now().Sub(m.lastSnapshotAt) >= snapshotTTL
}

// UpdateAccountSnapshot refreshes equity metrics from a live balance, at
// most once per minute. Starting capital syncs from live equity once per
// KST date. Returns whether the snapshot was applied.
func (m *Manager) UpdateAccountSnapshot(totalEquity float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if !m.lastSnapshotAt.IsZero() && now.Sub(m.lastSnapshotAt) < snapshotTTL {
		return false
	}
	m.lastSnapshotAt = now
	m.rollDailyLocked(now)

	d := &m.state.Daily
	d.CurrentEquity = totalEquity
	if !d.CapitalSynced {
		d.StartingCapital = totalEquity
		d.CapitalSynced = true
	}
	if m.state.PeakEquity == 0 {
		m.state.PeakEquity = totalEquity
	}
	m.updateDrawdownLocked()
	m.persistLocked()
	return true
}

// updateDrawdownLocked recomputes peak equity and the cumulative drawdown,
// arming at the warning level and tripping at the limit.
func (m *Manager) updateDrawdownLocked() {
	eq := m.state.Daily.CurrentEquity
	if eq > m.state.PeakEquity {
		m.state.PeakEquity = eq
	}
	if m.state.PeakEquity <= 0 {
		return
	}
	m.state.CumulativeDrawdownPct = (m.state.PeakEquity - eq) / m.state.PeakEquity * 100

	dd := m.state.CumulativeDrawdownPct
	switch {
	case dd >= m.cfg.MaxDrawdownPct:
		m.tripLocked(fmt.Sprintf("cumulative drawdown %.2f%% >= limit %.2f%%", dd, m.cfg.MaxDrawdownPct))
	case dd >= m.cfg.DrawdownWarningPct && m.state.KillSwitch.Status == KillOff:
		m.state.KillSwitch = KillSwitch{Status: KillArmed,
			Reason: fmt.Sprintf("drawdown %.2f%% past warning level %.2f%%", dd, m.cfg.DrawdownWarningPct)}
		m.logger.Printf("risk: kill switch armed: %s", m.state.KillSwitch.Reason)
	}
}

func (m *Manager) tripLocked(reason string) {
	if m.state.KillSwitch.Status == KillTripped {
		return
	}
	at := m.clock.Now()
	m.state.KillSwitch = KillSwitch{Status: KillTripped, Reason: reason, TrippedAt: &at}
	m.logger.Printf("risk: KILL SWITCH TRIPPED: %s", reason)
	m.publish(bus.KillSwitchTripped, reason, map[string]any{
		"drawdown_pct": m.state.CumulativeDrawdownPct,
		"peak_equity":  m.state.PeakEquity,
	})
	m.persistLocked()
}

// TripKillSwitch forces the stop, e.g. from the config hard switch.
func (m *Manager) TripKillSwitch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripLocked(reason)
}

// CheckKillSwitch is a read-only view of the trip state.
func (m *Manager) CheckKillSwitch() CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.KillSwitch.Status == KillTripped {
		return CheckResult{Passed: false, Reason: m.state.KillSwitch.Reason, ShouldExit: true}
	}
	return CheckResult{Passed: true}
}

// Daily returns a copy of the current day's aggregates.
func (m *Manager) Daily() DailyPnL {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDailyLocked(m.clock.Now())
	return m.state.Daily
}

// Snapshot returns a copy of the full risk state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
