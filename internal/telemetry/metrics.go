package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters emitted by the core services. A nil *Metrics
// is valid and records nothing, so wiring stays optional in tests.
type Metrics struct {
	quoteServed     metric.Int64Counter
	feedReconnects  metric.Int64Counter
	feedDropped     metric.Int64Counter
	ledgerConflicts metric.Int64Counter
	orderSettled    metric.Int64Counter
}

// NewMetrics creates the instrument set on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	quoteServed, err := meter.Int64Counter("togather.quote.served",
		metric.WithDescription("Quote reads served, labelled by waterfall tier"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: quote counter: %w", err)
	}
	feedReconnects, err := meter.Int64Counter("togather.feed.reconnects",
		metric.WithDescription("Market data feed reconnect attempts"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: reconnect counter: %w", err)
	}
	feedDropped, err := meter.Int64Counter("togather.feed.dropped",
		metric.WithDescription("Malformed or unknown feed messages dropped"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: dropped counter: %w", err)
	}
	ledgerConflicts, err := meter.Int64Counter("togather.ledger.conflicts",
		metric.WithDescription("Optimistic version conflicts observed by the ledger"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: conflict counter: %w", err)
	}
	orderSettled, err := meter.Int64Counter("togather.orders.settled",
		metric.WithDescription("Orders settled, labelled by side"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: settled counter: %w", err)
	}

	return &Metrics{
		quoteServed:     quoteServed,
		feedReconnects:  feedReconnects,
		feedDropped:     feedDropped,
		ledgerConflicts: ledgerConflicts,
		orderSettled:    orderSettled,
	}, nil
}

// QuoteServed records a quote read and the tier that answered it.
func (m *Metrics) QuoteServed(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.quoteServed.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// FeedReconnect records one reconnect attempt.
func (m *Metrics) FeedReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.feedReconnects.Add(ctx, 1)
}

// FeedDropped records a dropped feed message and why.
func (m *Metrics) FeedDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.feedDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// LedgerConflict records one optimistic version conflict.
func (m *Metrics) LedgerConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.ledgerConflicts.Add(ctx, 1)
}

// OrderSettled records one settled order.
func (m *Metrics) OrderSettled(ctx context.Context, side string) {
	if m == nil {
		return
	}
	m.orderSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}
