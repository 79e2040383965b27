package quote

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

type fakePoller struct {
	snapshot domain.QuoteSnapshot
	err      error
	calls    int
}

func (p *fakePoller) FetchQuote(context.Context, string) (domain.QuoteSnapshot, error) {
	p.calls++
	return p.snapshot, p.err
}

func price(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestGetQuoteServesFreshCache(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	cache := NewCache()
	poller := &fakePoller{}
	svc := NewService(cache, poller, nil).WithClock(func() time.Time { return now })

	cache.Put(domain.QuoteSnapshot{
		Instrument: "005930",
		LastPrice:  price("70100"),
		Source:     domain.QuoteLive,
		UpdatedAt:  now.Add(-time.Second),
	})

	snapshot, err := svc.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if snapshot.Source != domain.QuoteLive {
		t.Errorf("source = %s, want LIVE", snapshot.Source)
	}
	if !snapshot.LastPrice.Equal(price("70100")) {
		t.Errorf("last price = %s, want 70100", snapshot.LastPrice)
	}
	if poller.calls != 0 {
		t.Errorf("poller called %d times for a fresh cache hit", poller.calls)
	}
}

func TestGetQuoteFallsBackToPollOnStaleCache(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	cache := NewCache()
	poller := &fakePoller{snapshot: domain.QuoteSnapshot{LastPrice: price("70300")}}
	svc := NewService(cache, poller, nil).WithClock(func() time.Time { return now })

	cache.Put(domain.QuoteSnapshot{
		Instrument: "005930",
		LastPrice:  price("70100"),
		Source:     domain.QuoteLive,
		UpdatedAt:  now.Add(-time.Minute),
	})

	snapshot, err := svc.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if snapshot.Source != domain.QuotePolled {
		t.Errorf("source = %s, want POLLED", snapshot.Source)
	}
	if !snapshot.LastPrice.Equal(price("70300")) {
		t.Errorf("last price = %s, want polled 70300", snapshot.LastPrice)
	}

	// The poll repopulates the cache; the next read is a cache hit.
	if _, err := svc.GetQuote(context.Background(), "005930"); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if poller.calls != 1 {
		t.Errorf("poller calls = %d, want 1; poll result must repopulate the cache", poller.calls)
	}
}

func TestGetQuoteEmptyCacheEntryTriggersPoll(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	cache := NewCache()
	poller := &fakePoller{snapshot: domain.QuoteSnapshot{LastPrice: price("70300")}}
	svc := NewService(cache, poller, nil).WithClock(func() time.Time { return now })

	// Fresh but carrying no usable data.
	cache.Put(domain.QuoteSnapshot{Instrument: "005930", Source: domain.QuoteLive, UpdatedAt: now})

	snapshot, err := svc.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if snapshot.Source != domain.QuotePolled {
		t.Errorf("source = %s, want POLLED for empty cache entry", snapshot.Source)
	}
}

func TestGetQuotePlaceholderWhenPollFails(t *testing.T) {
	cache := NewCache()
	poller := &fakePoller{err: errs.New("provider/rest", errs.CodeUnavailable)}
	svc := NewService(cache, poller, nil)

	snapshot, err := svc.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if snapshot.Source != domain.QuotePlaceholder {
		t.Errorf("source = %s, want PLACEHOLDER", snapshot.Source)
	}
	if snapshot.Instrument != "005930" {
		t.Errorf("instrument = %q", snapshot.Instrument)
	}
	if !snapshot.LastPrice.IsZero() {
		t.Errorf("placeholder carries a price: %s", snapshot.LastPrice)
	}
}

func TestGetQuotePlaceholderWithoutPoller(t *testing.T) {
	svc := NewService(NewCache(), nil, nil)
	snapshot, err := svc.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if snapshot.Source != domain.QuotePlaceholder {
		t.Errorf("source = %s, want PLACEHOLDER", snapshot.Source)
	}
}

func TestLastPrice(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	cache := NewCache()
	svc := NewService(cache, nil, nil).WithClock(func() time.Time { return now })

	if _, ok := svc.LastPrice(context.Background(), "005930"); ok {
		t.Error("placeholder must not be usable as an execution price")
	}

	cache.Put(domain.QuoteSnapshot{
		Instrument: "005930",
		LastPrice:  price("70100"),
		Source:     domain.QuoteLive,
		UpdatedAt:  now,
	})
	got, ok := svc.LastPrice(context.Background(), "005930")
	if !ok {
		t.Fatal("expected a usable live price")
	}
	if !got.Equal(price("70100")) {
		t.Errorf("last price = %s, want 70100", got)
	}
}

func TestCache(t *testing.T) {
	cache := NewCache()
	if _, ok := cache.Get("005930"); ok {
		t.Error("empty cache returned a snapshot")
	}

	cache.Put(domain.QuoteSnapshot{Instrument: "005930", LastPrice: price("70100")})
	cache.Put(domain.QuoteSnapshot{Instrument: "000660", LastPrice: price("180000")})

	snapshot, ok := cache.Get("005930")
	if !ok || !snapshot.LastPrice.Equal(price("70100")) {
		t.Errorf("get = %v/%v", snapshot, ok)
	}

	instruments := cache.Instruments()
	if len(instruments) != 2 {
		t.Errorf("instruments = %v, want 2 entries", instruments)
	}

	cache.Clear()
	if _, ok := cache.Get("005930"); ok {
		t.Error("cache not cleared")
	}
}
