package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/observability"
	"github.com/togather-fin/togather-core/internal/telemetry"
)

const (
	// DefaultTTL is how long a cached snapshot stays servable without refresh.
	DefaultTTL = 5 * time.Second
	// DefaultPollTimeout bounds the REST fallback so a slow upstream cannot
	// stall an order placement.
	DefaultPollTimeout = 2 * time.Second
)

// Poller fetches a point-in-time snapshot from the provider's REST surface.
type Poller interface {
	FetchQuote(ctx context.Context, instrument string) (domain.QuoteSnapshot, error)
}

// Service answers quote reads through the three-tier waterfall:
// fresh cache, REST poll, flagged placeholder.
type Service struct {
	cache       *Cache
	poller      Poller
	metrics     *telemetry.Metrics
	ttl         time.Duration
	pollTimeout time.Duration
	clock       func() time.Time
}

// NewService creates a quote read service. poller may be nil, collapsing the
// waterfall to cache-then-placeholder.
func NewService(cache *Cache, poller Poller, metrics *telemetry.Metrics) *Service {
	return &Service{
		cache:       cache,
		poller:      poller,
		metrics:     metrics,
		ttl:         DefaultTTL,
		pollTimeout: DefaultPollTimeout,
		clock:       time.Now,
	}
}

// WithTTL overrides the staleness window.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithPollTimeout overrides the REST fallback timeout.
func (s *Service) WithPollTimeout(timeout time.Duration) *Service {
	if timeout > 0 {
		s.pollTimeout = timeout
	}
	return s
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// GetQuote resolves a snapshot for the instrument. Tier 1 serves a fresh,
// non-empty cache entry; tier 2 polls the provider and repopulates the cache;
// tier 3 returns a placeholder flagged as such so callers can still render.
// Every tier transition is observable.
func (s *Service) GetQuote(ctx context.Context, instrument string) (domain.QuoteSnapshot, error) {
	now := s.clock().UTC()

	if snapshot, ok := s.cache.Get(instrument); ok && !snapshot.Empty() && !snapshot.StaleAt(now, s.ttl) {
		s.metrics.QuoteServed(ctx, string(snapshot.Source))
		return snapshot, nil
	}

	if s.poller != nil {
		pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
		snapshot, err := s.poller.FetchQuote(pollCtx, instrument)
		cancel()
		if err == nil && !snapshot.Empty() {
			snapshot.Instrument = instrument
			snapshot.Source = domain.QuotePolled
			snapshot.UpdatedAt = now
			s.cache.Put(snapshot)
			s.metrics.QuoteServed(ctx, string(domain.QuotePolled))
			observability.Log().Debug("quote served from rest poll",
				observability.F("instrument", instrument))
			return snapshot, nil
		}
		if err != nil {
			observability.Log().Warn("quote rest poll failed",
				observability.F("instrument", instrument),
				observability.F("error", err),
			)
		}
	}

	s.metrics.QuoteServed(ctx, string(domain.QuotePlaceholder))
	observability.Log().Info("quote served as placeholder",
		observability.F("instrument", instrument))
	return domain.QuoteSnapshot{
		Instrument: instrument,
		Source:     domain.QuotePlaceholder,
		UpdatedAt:  now,
	}, nil
}

// LastPrice implements the execution engine's Pricer: ok only when a live or
// polled snapshot with a usable price answered.
func (s *Service) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	snapshot, err := s.GetQuote(ctx, instrument)
	if err != nil {
		return decimal.Zero, false
	}
	if snapshot.Source == domain.QuotePlaceholder || snapshot.LastPrice.Sign() <= 0 {
		return decimal.Zero, false
	}
	return snapshot.LastPrice, true
}
