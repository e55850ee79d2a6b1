package broker

import (
	"context"
	"sync"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// defaultQuoteTTL bounds how old a realtime quote may be before the
// executor falls back to the REST endpoint.
const defaultQuoteTTL = 10 * time.Second

// QuoteCache holds the latest realtime quote per symbol. The websocket feed
// writes into it through Consume; executors read through Latest and only see
// entries younger than the TTL, so a stalled feed degrades to REST polling
// instead of serving dead prices.
type QuoteCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedQuote
}

type cachedQuote struct {
	quote models.Quote
	at    time.Time
}

// NewQuoteCache builds a cache. ttl <= 0 selects the default.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	return &QuoteCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedQuote),
	}
}

// Put stores the quote, replacing any previous one for the symbol.
func (c *QuoteCache) Put(q models.Quote) {
	if q.Symbol == "" || q.Price <= 0 {
		return
	}
	sym := models.NormalizeSymbol(q.Symbol)
	c.mu.Lock()
	c.entries[sym] = cachedQuote{quote: q, at: c.now()}
	c.mu.Unlock()
}

// Latest returns the cached quote for symbol when it is still fresh.
func (c *QuoteCache) Latest(symbol string) (models.Quote, bool) {
	sym := models.NormalizeSymbol(symbol)
	c.mu.RLock()
	e, ok := c.entries[sym]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.at) > c.ttl {
		return models.Quote{}, false
	}
	return e.quote, true
}

// Consume drains a feed's update stream into the cache until ctx ends or
// the stream closes. Run it in its own goroutine per feed.
func (c *QuoteCache) Consume(ctx context.Context, updates <-chan models.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-updates:
			if !ok {
				return
			}
			c.Put(q)
		}
	}
}
