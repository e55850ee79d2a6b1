package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// PendingExitMaxAge is how long a pending exit stays actionable. Older
// records are dropped on load: the position has been re-evaluated many
// times since and a three-day-old exit intent is no longer trustworthy.
const PendingExitMaxAge = 72 * time.Hour

// PendingExit is a sticky retry record for an exit blocked by market
// closure or a transient broker failure. At most one exists per symbol.
type PendingExit struct {
	Symbol      string     `json:"symbol"`
	RetryKey    string     `json:"retry_key"`
	ExitReason  ExitReason `json:"exit_reason"`
	ReasonCode  string     `json:"reason_code"`
	NextRetryAt time.Time  `json:"next_retry_at"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewPendingExit builds a retry record due at nextRetry.
func NewPendingExit(symbol string, reason ExitReason, reasonCode string, nextRetry, now time.Time) *PendingExit {
	symbol = NormalizeSymbol(symbol)
	return &PendingExit{
		Symbol:      symbol,
		RetryKey:    PendingExitRetryKey(symbol, reason, reasonCode),
		ExitReason:  reason,
		ReasonCode:  reasonCode,
		NextRetryAt: nextRetry,
		UpdatedAt:   now,
	}
}

// PendingExitRetryKey fingerprints the exit intent so an identical retry
// replaces, rather than duplicates, the record.
func PendingExitRetryKey(symbol string, reason ExitReason, reasonCode string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", NormalizeSymbol(symbol), reason, reasonCode)))
	return hex.EncodeToString(h[:])
}

// Stale returns true when the record is older than PendingExitMaxAge.
func (p *PendingExit) Stale(now time.Time) bool {
	return p.StaleAfter(now, PendingExitMaxAge)
}

// StaleAfter returns true when the record is older than maxAge. The store
// calls this with the configured limit.
func (p *PendingExit) StaleAfter(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.UpdatedAt) > maxAge
}

// Due returns true when the retry backoff has elapsed.
func (p *PendingExit) Due(now time.Time) bool {
	return !now.Before(p.NextRetryAt)
}
