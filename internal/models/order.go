package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Fill is one executed slice of an order. ExecID, when the broker provides
// one, is the dedup key; otherwise (order_no, executed_at, price, qty)
// stands in.
type Fill struct {
	OrderNo    string    `json:"order_no"`
	ExecID     string    `json:"exec_id,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
	Price      float64   `json:"price"`
	Qty        int64     `json:"qty"`
	Side       Side      `json:"side"`
}

// DedupKey fingerprints a fill so the executor applies it at most once,
// even when the same execution is observed through a poll and a recovery
// pass.
func (f Fill) DedupKey(mode Mode, symbol string) string {
	var tail string
	if f.ExecID != "" {
		tail = f.ExecID
	} else {
		tail = fmt.Sprintf("%s|%.2f|%d", f.ExecutedAt.In(KST).Format("20060102150405"), f.Price, f.Qty)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", mode, f.Side, NormalizeSymbol(symbol), f.OrderNo, tail)))
	return hex.EncodeToString(h[:])
}

// SignalID encodes one trade intent at minute granularity. Two signals with
// identical intent inside the same minute produce the same ID, and therefore
// the same idempotency key.
func SignalID(symbol string, side Side, price float64, at time.Time) string {
	return fmt.Sprintf("%s:%s:%.2f:%s", NormalizeSymbol(symbol), side, price, at.In(KST).Format("200601021504"))
}

// IdempotencyKey is the SHA-256 fingerprint of a full order intent.
// A second submission with the same key is a no-op at the synchronizer.
func IdempotencyKey(mode Mode, side Side, symbol string, qty int64, signalID string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%s", mode, side, NormalizeSymbol(symbol), qty, signalID)))
	return hex.EncodeToString(h[:])
}
