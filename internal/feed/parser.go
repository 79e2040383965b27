package feed

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

// The provider's data frames are a delimited text protocol: an outer envelope
// split by '|' into (encryption flag, message type, record count, payload),
// and a payload split by '^' into positional fields.
const (
	envelopeDelimiter = "|"
	fieldDelimiter    = "^"

	// TypeOrderBook carries a 10-level ask/bid ladder.
	TypeOrderBook = "H0STASP0"
	// TypeTrade carries last price and change figures.
	TypeTrade = "H0STCNT0"
	// TypePingPong is the provider keepalive.
	TypePingPong = "PINGPONG"
)

// Order-book payload field layout. Fields are positional within the
// '^'-delimited payload.
const (
	fieldInstrument = 0
	fieldBookTime   = 1

	fieldAskPriceBase = 3
	fieldBidPriceBase = 13
	fieldAskSizeBase  = 23
	fieldBidSizeBase  = 33
	bookFieldCount    = 43

	fieldTradeLast       = 2
	fieldTradeChangeSign = 3
	fieldTradeChange     = 4
	fieldTradeChangeRate = 5
	tradeFieldCount      = 6
)

// Envelope is the decoded outer frame of one data message.
type Envelope struct {
	Encrypted bool
	Type      string
	Count     int
	Payload   string
}

// ParseEnvelope splits the outer '|'-delimited frame.
func ParseEnvelope(raw string) (Envelope, error) {
	parts := strings.SplitN(raw, envelopeDelimiter, 4)
	if len(parts) < 4 {
		return Envelope{}, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("envelope has fewer than four segments"))
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil || count < 1 {
		count = 1
	}
	return Envelope{
		Encrypted: strings.TrimSpace(parts[0]) == "1",
		Type:      strings.TrimSpace(parts[1]),
		Count:     count,
		Payload:   parts[3],
	}, nil
}

// ParseOrderBook decodes one order-book payload into a snapshot. Numeric
// fields that are empty or "0" mean "no quote at this level" and are skipped
// rather than recorded as a zero price.
func ParseOrderBook(payload string) (domain.QuoteSnapshot, error) {
	return parseBookFields(strings.Split(payload, fieldDelimiter))
}

// ParseOrderBooks decodes count order-book records packed into one payload.
func ParseOrderBooks(payload string, count int) ([]domain.QuoteSnapshot, error) {
	records, err := splitRecords(payload, count, bookFieldCount)
	if err != nil {
		return nil, err
	}
	out := make([]domain.QuoteSnapshot, 0, len(records))
	for _, fields := range records {
		snapshot, err := parseBookFields(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func parseBookFields(fields []string) (domain.QuoteSnapshot, error) {
	if len(fields) < bookFieldCount {
		return domain.QuoteSnapshot{}, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("order book payload too short"))
	}
	instrument := strings.TrimSpace(fields[fieldInstrument])
	if instrument == "" {
		return domain.QuoteSnapshot{}, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("order book payload missing instrument"))
	}

	snapshot := domain.QuoteSnapshot{
		Instrument: instrument,
		Source:     domain.QuoteLive,
	}
	for level := 0; level < domain.BookDepth; level++ {
		if entry, ok := parseLevel(fields, fieldAskPriceBase+level, fieldAskSizeBase+level); ok {
			snapshot.Asks = append(snapshot.Asks, entry)
		}
		if entry, ok := parseLevel(fields, fieldBidPriceBase+level, fieldBidSizeBase+level); ok {
			snapshot.Bids = append(snapshot.Bids, entry)
		}
	}
	if len(snapshot.Asks) > 0 {
		snapshot.LastPrice = snapshot.Asks[0].Price
	} else if len(snapshot.Bids) > 0 {
		snapshot.LastPrice = snapshot.Bids[0].Price
	}
	return snapshot, nil
}

// ParseTrade decodes one trade payload into a last-price snapshot.
func ParseTrade(payload string) (domain.QuoteSnapshot, error) {
	return parseTradeFields(strings.Split(payload, fieldDelimiter))
}

// ParseTrades decodes count trade records packed into one payload.
func ParseTrades(payload string, count int) ([]domain.QuoteSnapshot, error) {
	records, err := splitRecords(payload, count, tradeFieldCount)
	if err != nil {
		return nil, err
	}
	out := make([]domain.QuoteSnapshot, 0, len(records))
	for _, fields := range records {
		snapshot, err := parseTradeFields(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func parseTradeFields(fields []string) (domain.QuoteSnapshot, error) {
	if len(fields) < tradeFieldCount {
		return domain.QuoteSnapshot{}, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("trade payload too short"))
	}
	instrument := strings.TrimSpace(fields[fieldInstrument])
	if instrument == "" {
		return domain.QuoteSnapshot{}, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("trade payload missing instrument"))
	}
	last, ok := parsePrice(fields[fieldTradeLast])
	if !ok {
		return domain.QuoteSnapshot{}, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("trade payload missing last price"))
	}

	snapshot := domain.QuoteSnapshot{
		Instrument: instrument,
		LastPrice:  last,
		Source:     domain.QuoteLive,
	}
	if change, ok := parsePrice(fields[fieldTradeChange]); ok {
		if strings.TrimSpace(fields[fieldTradeChangeSign]) == "5" {
			change = change.Neg()
		}
		snapshot.ChangeAmount = change
	}
	if rate, err := decimal.NewFromString(strings.TrimSpace(fields[fieldTradeChangeRate])); err == nil {
		snapshot.ChangeRate = rate
	}
	return snapshot, nil
}

// splitRecords cuts a multi-record payload into per-record field slices.
// Records within a frame share one width, so the total field count divided by
// the record count gives it. A width below minWidth means the frame is
// truncated.
func splitRecords(payload string, count, minWidth int) ([][]string, error) {
	fields := strings.Split(payload, fieldDelimiter)
	if count < 1 {
		count = 1
	}
	width := len(fields) / count
	if width < minWidth {
		return nil, errs.New("feed/parse", errs.CodeInvalid,
			errs.WithMessage("payload too short for record count"))
	}
	records := make([][]string, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, fields[i*width:(i+1)*width])
	}
	return records, nil
}

func parseLevel(fields []string, priceIdx, sizeIdx int) (domain.QuoteLevel, bool) {
	price, ok := parsePrice(fields[priceIdx])
	if !ok {
		return domain.QuoteLevel{}, false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(fields[sizeIdx]), 10, 64)
	if err != nil || size < 0 {
		size = 0
	}
	return domain.QuoteLevel{Price: price, Size: size}, true
}

// parsePrice treats empty and "0" as "no quote", never a literal zero price.
func parsePrice(raw string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0" {
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(trimmed)
	if err != nil || price.Sign() <= 0 {
		return decimal.Zero, false
	}
	return price, true
}
