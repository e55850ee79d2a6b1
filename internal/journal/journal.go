// Package journal is the durable order-state log. One row per idempotency
// key, written through on every transition, so a crashed run can be
// reconciled from disk on the next start.
package journal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// snapshotMinInterval caps how often account snapshots are recorded.
const snapshotMinInterval = 5 * time.Minute

// OrderState is one row per idempotency key.
type OrderState struct {
	IdempotencyKey string             `gorm:"primaryKey;column:idempotency_key"`
	SignalID       string             `gorm:"column:signal_id"`
	Symbol         string             `gorm:"index"`
	Side           models.Side        `gorm:"type:text"`
	RequestedQty   int64              `gorm:"column:requested_qty"`
	FilledQty      int64              `gorm:"column:filled_qty"`
	RemainingQty   int64              `gorm:"column:remaining_qty"`
	BrokerOrderNo  string             `gorm:"column:broker_order_no"`
	FillID         string             `gorm:"column:fill_id"`
	Status         models.OrderStatus `gorm:"type:text;index"`
	Mode           models.Mode        `gorm:"type:text;index"`
	Message        string
	RequestedAt    time.Time
	UpdatedAt      time.Time
}

// FillRecord dedups fills across retries and restarts. DedupKey comes from
// models.Fill.DedupKey; a second insert with the same key is refused.
type FillRecord struct {
	DedupKey       string      `gorm:"primaryKey;column:dedup_key"`
	IdempotencyKey string      `gorm:"index;column:idempotency_key"`
	OrderNo        string      `gorm:"column:order_no"`
	ExecID         string      `gorm:"column:exec_id"`
	Symbol         string      `gorm:"index"`
	Side           models.Side `gorm:"type:text"`
	Price          float64
	Qty            int64
	ExecutedAt     time.Time
	Mode           models.Mode `gorm:"type:text;index"`
	CreatedAt      time.Time
}

// AccountSnapshot is a periodic equity record for reporting.
type AccountSnapshot struct {
	ID          string      `gorm:"primaryKey"`
	Mode        models.Mode `gorm:"type:text;index"`
	Cash        float64
	TotalEquity float64
	TotalPnL    float64     `gorm:"column:total_pnl"`
	RecordedAt  time.Time   `gorm:"index"`
}

// Journal wraps the sqlite database. Writes for the same idempotency key
// serialize through a per-key mutex.
type Journal struct {
	db     *gorm.DB
	logger *log.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// statusRank orders the state machine. Transitions must move forward;
// PARTIAL may repeat for successive fill accruals.
var statusRank = map[models.OrderStatus]int{
	models.OrderPending:   0,
	models.OrderSubmitted: 1,
	models.OrderPartial:   2,
	models.OrderFilled:    3,
	models.OrderCancelled: 3,
	models.OrderRejected:  3,
}

// New opens (creating if needed) the journal database at path.
func New(path string, logger *log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating journal dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	if err := db.AutoMigrate(&OrderState{}, &FillRecord{}, &AccountSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger, keys: make(map[string]*sync.Mutex)}, nil
}

// lockKey serializes all writes for one idempotency key.
func (j *Journal) lockKey(key string) func() {
	j.mu.Lock()
	m, ok := j.keys[key]
	if !ok {
		m = &sync.Mutex{}
		j.keys[key] = m
	}
	j.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Get returns the row for key, or nil when none exists.
func (j *Journal) Get(key string) (*OrderState, error) {
	var row OrderState
	err := j.db.First(&row, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Begin claims an idempotency key. When the key is unseen a PENDING row is
// created and created=true. Any existing row, terminal or not, is returned
// with created=false: the broker must be called at most once per key.
func (j *Journal) Begin(key, signalID, symbol string, side models.Side,
	qty int64, mode models.Mode, now time.Time) (row *OrderState, created bool, err error) {
	unlock := j.lockKey(key)
	defer unlock()

	existing, err := j.Get(key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	row = &OrderState{
		IdempotencyKey: key,
		SignalID:       signalID,
		Symbol:         models.NormalizeSymbol(symbol),
		Side:           side,
		RequestedQty:   qty,
		RemainingQty:   qty,
		Status:         models.OrderPending,
		Mode:           mode,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
	if err := j.db.Create(row).Error; err != nil {
		return nil, false, fmt.Errorf("journal: claiming key: %w", err)
	}
	return row, true, nil
}

// transition loads, validates the monotone state machine, mutates and saves.
func (j *Journal) transition(key string, to models.OrderStatus, mutate func(*OrderState)) error {
	unlock := j.lockKey(key)
	defer unlock()

	row, err := j.Get(key)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("journal: no row for key %s", key)
	}
	from := row.Status
	if statusRank[to] < statusRank[from] ||
		(statusRank[to] == statusRank[from] && !(from == models.OrderPartial && to == models.OrderPartial)) {
		return fmt.Errorf("journal: illegal transition %s -> %s for key %s", from, to, key)
	}
	row.Status = to
	if mutate != nil {
		mutate(row)
	}
	row.UpdatedAt = time.Now()
	return j.db.Save(row).Error
}

// MarkSubmitted records the broker order number after placement.
func (j *Journal) MarkSubmitted(key, orderNo string) error {
	return j.transition(key, models.OrderSubmitted, func(r *OrderState) {
		r.BrokerOrderNo = orderNo
	})
}

// MarkFilled closes the row as fully executed.
func (j *Journal) MarkFilled(key string, filledQty int64, fillID string) error {
	return j.transition(key, models.OrderFilled, func(r *OrderState) {
		r.FilledQty = filledQty
		r.RemainingQty = 0
		r.FillID = fillID
	})
}

// MarkPartial accrues a partial fill. May repeat as fills arrive.
func (j *Journal) MarkPartial(key string, filledQty, remainingQty int64) error {
	return j.transition(key, models.OrderPartial, func(r *OrderState) {
		r.FilledQty = filledQty
		r.RemainingQty = remainingQty
	})
}

// MarkCancelled closes the row after a timeout or residual cancel.
func (j *Journal) MarkCancelled(key string, filledQty int64) error {
	return j.transition(key, models.OrderCancelled, func(r *OrderState) {
		r.FilledQty = filledQty
		r.RemainingQty = r.RequestedQty - filledQty
	})
}

// MarkRejected closes the row after a broker reject or placement failure.
func (j *Journal) MarkRejected(key, message string) error {
	return j.transition(key, models.OrderRejected, func(r *OrderState) {
		r.Message = message
	})
}

// NonTerminal returns every open row for mode, oldest first. The reconciler
// reads this on startup.
func (j *Journal) NonTerminal(mode models.Mode) ([]OrderState, error) {
	var rows []OrderState
	err := j.db.
		Where("mode = ? AND status NOT IN ?", mode,
			[]models.OrderStatus{models.OrderFilled, models.OrderCancelled, models.OrderRejected}).
		Order("requested_at ASC").
		Find(&rows).Error
	return rows, err
}

// RecentFilledBuy reports whether a FILLED BUY for symbol exists within the
// lookback window. The reconciler uses this to auto-recover positions.
func (j *Journal) RecentFilledBuy(mode models.Mode, symbol string, since time.Time) (*OrderState, error) {
	var row OrderState
	err := j.db.
		Where("mode = ? AND symbol = ? AND side = ? AND status = ? AND updated_at >= ?",
			mode, models.NormalizeSymbol(symbol), models.SideBuy, models.OrderFilled, since).
		Order("updated_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// RecordFill registers a fill, returning applied=false when the dedup key
// has been seen before. The executor applies each fill at most once.
func (j *Journal) RecordFill(mode models.Mode, idempotencyKey, symbol string, f models.Fill) (applied bool, err error) {
	unlock := j.lockKey(idempotencyKey)
	defer unlock()

	dedup := f.DedupKey(mode, symbol)
	var existing FillRecord
	err = j.db.First(&existing, "dedup_key = ?", dedup).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	rec := FillRecord{
		DedupKey:       dedup,
		IdempotencyKey: idempotencyKey,
		OrderNo:        f.OrderNo,
		ExecID:         f.ExecID,
		Symbol:         models.NormalizeSymbol(symbol),
		Side:           f.Side,
		Price:          f.Price,
		Qty:            f.Qty,
		ExecutedAt:     f.ExecutedAt,
		Mode:           mode,
		CreatedAt:      time.Now(),
	}
	if err := j.db.Create(&rec).Error; err != nil {
		return false, fmt.Errorf("journal: recording fill: %w", err)
	}
	return true, nil
}

// SaveAccountSnapshot records an equity snapshot unless one was recorded
// within the last five minutes. Returns whether a row was written.
func (j *Journal) SaveAccountSnapshot(mode models.Mode, cash, totalEquity, totalPnL float64, at time.Time) (bool, error) {
	var latest AccountSnapshot
	err := j.db.Where("mode = ?", mode).Order("recorded_at DESC").First(&latest).Error
	if err == nil && at.Sub(latest.RecordedAt) < snapshotMinInterval {
		return false, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	snap := AccountSnapshot{
		ID:          uuid.NewString(),
		Mode:        mode,
		Cash:        cash,
		TotalEquity: totalEquity,
		TotalPnL:    totalPnL,
		RecordedAt:  at,
	}
	if err := j.db.Create(&snap).Error; err != nil {
		return false, err
	}
	return true, nil
}

// LatestSnapshot returns the most recent snapshot for mode, or nil.
func (j *Journal) LatestSnapshot(mode models.Mode) (*AccountSnapshot, error) {
	var snap AccountSnapshot
	err := j.db.Where("mode = ?", mode).Order("recorded_at DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
