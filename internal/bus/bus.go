// Package bus is the in-process event channel. Components publish typed
// events; sinks (audit log, notifier adapters) subscribe. Publishing never
// blocks: a slow sink drops events rather than stalling a trading tick.
package bus

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the events the engine emits.
type Type string

const (
	SignalComputed     Type = "SIGNAL_COMPUTED"
	OrderRequested     Type = "ORDER_REQUESTED"
	OrderSubmitted     Type = "ORDER_SUBMITTED"
	OrderFilled        Type = "ORDER_FILLED"
	OrderPartial       Type = "ORDER_PARTIAL"
	OrderCancelled     Type = "ORDER_CANCELLED"
	PositionOpened     Type = "POSITION_OPENED"
	PositionClosed     Type = "POSITION_CLOSED"
	RiskCheckFailed    Type = "RISK_CHECK_FAILED"
	KillSwitchTripped  Type = "KILL_SWITCH_TRIPPED"
	ReconcileOutcome   Type = "RECONCILE_OUTCOME"
	NetworkUnavailable Type = "NETWORK_UNAVAILABLE"
)

// Event is one published occurrence. Fields carries event-specific values
// (prices, quantities, outcome tags) keyed by short names.
type Event struct {
	ID      string
	Type    Type
	Symbol  string
	At      time.Time
	Message string
	Fields  map[string]any
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
	logger *log.Logger

	dropped atomic.Int64
}

// subBuffer is the per-subscriber channel depth. A sink that falls this far
// behind starts losing events.
const subBuffer = 256

// New returns an empty bus.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bus{logger: logger}
}

// Subscribe registers a sink channel. The channel is closed by Close.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish stamps the event with an ID and timestamp (when unset) and
// delivers it to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Printf("bus: dropped %s event for %s (subscriber backlog)", e.Type, e.Symbol)
		}
	}
}

// Dropped reports how many events have been lost to subscriber backlog.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// AuditSink drains a subscription into a logger until the channel closes.
// Run it in its own goroutine.
func AuditSink(ch <-chan Event, logger *log.Logger) {
	for e := range ch {
		logger.Printf("[%s] %s %s %s fields=%v", e.At.Format(time.RFC3339), e.Type, e.Symbol, e.Message, e.Fields)
	}
}
