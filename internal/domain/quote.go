package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSource records which tier of the read waterfall produced a snapshot.
type QuoteSource string

const (
	// QuoteLive came from the streaming feed via the cache.
	QuoteLive QuoteSource = "LIVE"
	// QuotePolled came from a point-in-time REST poll.
	QuotePolled QuoteSource = "POLLED"
	// QuotePlaceholder is a flagged stand-in when no data source answered.
	QuotePlaceholder QuoteSource = "PLACEHOLDER"
)

// BookDepth is the maximum ladder depth carried per side.
const BookDepth = 10

// QuoteLevel is one rung of an order-book ladder. A zero Price means the
// provider published no quote at this level.
type QuoteLevel struct {
	Price decimal.Decimal
	Size  int64
}

// QuoteSnapshot is a cached view of one instrument's price and book depth.
// Staleness is detected by the reader against UpdatedAt, not by a background
// expiry sweep.
type QuoteSnapshot struct {
	Instrument   string
	LastPrice    decimal.Decimal
	ChangeAmount decimal.Decimal
	ChangeRate   decimal.Decimal
	Asks         []QuoteLevel
	Bids         []QuoteLevel
	Source       QuoteSource
	UpdatedAt    time.Time
}

// Empty reports whether the snapshot carries no usable price data.
func (q QuoteSnapshot) Empty() bool {
	return q.LastPrice.IsZero() && len(q.Asks) == 0 && len(q.Bids) == 0
}

// StaleAt reports whether the snapshot is older than ttl at the given instant.
func (q QuoteSnapshot) StaleAt(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return q.UpdatedAt.Add(ttl).Before(now)
}
