package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/observability"
	"github.com/togather-fin/togather-core/internal/quote"
	"github.com/togather-fin/togather-core/internal/telemetry"
)

const (
	// DefaultLivenessTimeout is the maximum inbound silence before the
	// connection is considered dead.
	DefaultLivenessTimeout = 30 * time.Second
	// DefaultReconnectDelay is the fixed backoff between reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultSubscribePerSecond paces subscribe control messages to respect
	// provider rate limits.
	DefaultSubscribePerSecond = 4

	subscribeType   = "1"
	unsubscribeType = "2"

	// msgCredentialInUse is the provider error code for a session credential
	// already connected elsewhere. It aborts the session rather than being
	// retried blindly.
	msgCredentialInUse = "SESSION_IN_USE"
)

// Conn is the transport used for the streaming connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a streaming connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// CredentialIssuer performs the provider credential exchange.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context) (string, error)
}

// Config tunes the feed connection lifecycle.
type Config struct {
	StreamURL          string
	LivenessTimeout    time.Duration
	ReconnectDelay     time.Duration
	SubscribePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.SubscribePerSecond <= 0 {
		c.SubscribePerSecond = DefaultSubscribePerSecond
	}
	return c
}

// Feed owns the persistent streaming connection: connect, subscribe, parse,
// republish into the quote cache, and reconnect on liveness loss.
type Feed struct {
	cfg         Config
	dial        Dialer
	credentials CredentialIssuer
	cache       *quote.Cache
	session     *Session
	metrics     *telemetry.Metrics
	limiter     *rate.Limiter
	clock       func() time.Time

	mu          sync.Mutex
	instruments map[string]struct{}
	conn        Conn
}

// New creates a feed over the given dialer and credential issuer. A nil
// dialer uses the websocket transport.
func New(cfg Config, dial Dialer, credentials CredentialIssuer, cache *quote.Cache, metrics *telemetry.Metrics) *Feed {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = websocketDialer
	}
	return &Feed{
		cfg:         cfg,
		dial:        dial,
		credentials: credentials,
		cache:       cache,
		session:     NewSession(),
		metrics:     metrics,
		limiter:     rate.NewLimiter(rate.Limit(cfg.SubscribePerSecond), 1),
		clock:       time.Now,
		instruments: make(map[string]struct{}),
	}
}

// WithClock overrides the clock, for tests.
func (f *Feed) WithClock(clock func() time.Time) *Feed {
	if clock != nil {
		f.clock = clock
	}
	return f
}

// Session exposes the stream session for health reads.
func (f *Feed) Session() *Session { return f.session }

// Track adds an instrument to the authoritative subscription list and, when
// live, subscribes it immediately.
func (f *Feed) Track(ctx context.Context, instrument string) error {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return errs.New("feed/track", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	f.mu.Lock()
	f.instruments[instrument] = struct{}{}
	f.mu.Unlock()
	if f.session.Connected() && !f.session.IsSubscribed(instrument) {
		return f.subscribe(ctx, instrument)
	}
	return nil
}

// Untrack removes an instrument from the authoritative list and, when live,
// issues the unsubscribe control message.
func (f *Feed) Untrack(ctx context.Context, instrument string) error {
	instrument = strings.TrimSpace(instrument)
	f.mu.Lock()
	_, tracked := f.instruments[instrument]
	delete(f.instruments, instrument)
	f.mu.Unlock()
	if !tracked || !f.session.Connected() || !f.session.IsSubscribed(instrument) {
		return nil
	}
	for _, trID := range streamTypes {
		if err := f.sendControl(ctx, unsubscribeType, trID, instrument); err != nil {
			return err
		}
	}
	f.session.MarkUnsubscribed(instrument)
	return nil
}

// Tracked returns the authoritative instrument list.
func (f *Feed) Tracked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.instruments))
	for code := range f.instruments {
		out = append(out, code)
	}
	return out
}

// Run drives the connection lifecycle until ctx is cancelled. A fatal
// credential-in-use rejection returns immediately instead of reconnecting.
func (f *Feed) Run(ctx context.Context) error {
	wait := backoff.NewConstantBackOff(f.cfg.ReconnectDelay)
	for {
		err := f.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			f.session.setState(StateDisconnected)
			return ctx.Err()
		}
		if f.session.CredentialInUse() {
			f.session.setState(StateDisconnected)
			return fmt.Errorf("feed: session torn down: %w", err)
		}

		f.session.setState(StateDegraded)
		f.metrics.FeedReconnect(ctx)
		observability.Log().Warn("feed connection lost, scheduling reconnect",
			observability.F("error", err),
			observability.F("delay", f.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			f.session.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(wait.NextBackOff()):
		}
	}
}

// runOnce performs one full connection cycle: credential exchange, dial,
// re-subscribe everything tracked, then read until failure or silence.
func (f *Feed) runOnce(ctx context.Context) error {
	f.session.setState(StateConnecting)
	f.session.ResetSubscriptions()

	credential, err := f.credentials.IssueCredential(ctx)
	if err != nil {
		return fmt.Errorf("feed: issue credential: %w", err)
	}
	f.session.SetCredential(credential)

	conn, err := f.dial(ctx, f.cfg.StreamURL)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.cfg.StreamURL, err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		_ = conn.Close()
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.session.setState(StateSubscribing)
	// Subscriptions do not survive a reconnect; issue the full tracked set.
	for _, instrument := range f.Tracked() {
		if err := f.subscribe(ctx, instrument); err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", instrument, err)
		}
	}
	f.session.setState(StateLive)
	f.session.Touch(f.clock().UTC())
	observability.Log().Info("feed live",
		observability.F("instruments", len(f.Tracked())))

	return f.readLoop(ctx, conn)
}

func (f *Feed) readLoop(ctx context.Context, conn Conn) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			data, err := conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()

	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case err := <-readErr:
			return fmt.Errorf("feed: read: %w", err)
		case <-watchdog.C:
			if f.session.SilentFor(f.clock().UTC(), f.cfg.LivenessTimeout) {
				_ = conn.Close()
				return errs.New("feed/liveness", errs.CodeUnavailable,
					errs.WithMessage("no message within liveness timeout"))
			}
		case data := <-frames:
			if err := f.handleFrame(ctx, conn, data); err != nil {
				return err
			}
		}
	}
}

// handleFrame routes one inbound message. Data ticks open with the
// encryption flag and '|' envelope; everything else is a JSON control frame.
func (f *Feed) handleFrame(ctx context.Context, conn Conn, data []byte) error {
	f.session.Touch(f.clock().UTC())
	raw := string(data)
	if len(raw) > 1 && (raw[0] == '0' || raw[0] == '1') && strings.Contains(raw, envelopeDelimiter) {
		f.handleTick(ctx, raw)
		return nil
	}
	return f.handleControl(ctx, conn, data)
}

func (f *Feed) handleTick(ctx context.Context, raw string) {
	envelope, err := ParseEnvelope(raw)
	if err != nil {
		f.metrics.FeedDropped(ctx, "malformed_envelope")
		observability.Log().Warn("dropping malformed frame", observability.F("error", err))
		return
	}

	switch envelope.Type {
	case TypeOrderBook:
		snapshots, err := ParseOrderBooks(envelope.Payload, envelope.Count)
		if err != nil {
			f.metrics.FeedDropped(ctx, "malformed_book")
			observability.Log().Warn("dropping malformed order book", observability.F("error", err))
			return
		}
		for _, snapshot := range snapshots {
			snapshot.UpdatedAt = f.clock().UTC()
			f.cache.Put(snapshot)
		}
	case TypeTrade:
		snapshots, err := ParseTrades(envelope.Payload, envelope.Count)
		if err != nil {
			f.metrics.FeedDropped(ctx, "malformed_trade")
			observability.Log().Warn("dropping malformed trade", observability.F("error", err))
			return
		}
		for _, snapshot := range snapshots {
			// Preserve the current ladders; a trade tick only moves last price.
			if existing, ok := f.cache.Get(snapshot.Instrument); ok {
				snapshot.Asks = existing.Asks
				snapshot.Bids = existing.Bids
			}
			snapshot.UpdatedAt = f.clock().UTC()
			f.cache.Put(snapshot)
		}
	default:
		f.metrics.FeedDropped(ctx, "unknown_type")
	}
}

type controlFrame struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		ResultCode string `json:"rt_cd"`
		MsgCode    string `json:"msg_cd"`
		Msg        string `json:"msg1"`
	} `json:"body"`
}

func (f *Feed) handleControl(ctx context.Context, conn Conn, data []byte) error {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.metrics.FeedDropped(ctx, "malformed_control")
		observability.Log().Warn("dropping unparseable control frame", observability.F("error", err))
		return nil
	}

	if frame.Header.TrID == TypePingPong {
		// Keepalive is echoed back verbatim.
		return conn.Write(ctx, data)
	}

	if frame.Body.MsgCode == msgCredentialInUse {
		f.session.MarkCredentialInUse()
		return errs.New("feed/subscribe", errs.CodeUnavailable,
			errs.WithMessage("session credential already in use elsewhere"))
	}
	if frame.Body.ResultCode != "" && frame.Body.ResultCode != "0" {
		observability.Log().Warn("provider control error",
			observability.F("code", frame.Body.MsgCode),
			observability.F("message", frame.Body.Msg),
		)
	}
	return nil
}

type controlRequest struct {
	Header controlRequestHeader `json:"header"`
	Body   controlRequestBody   `json:"body"`
}

type controlRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type controlRequestBody struct {
	Input controlRequestInput `json:"input"`
}

type controlRequestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

// sendControl issues one paced subscribe/unsubscribe control message for one
// stream of one instrument.
func (f *Feed) sendControl(ctx context.Context, trType, trID, instrument string) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errs.New("feed/subscribe", errs.CodeUnavailable, errs.WithMessage("not connected"))
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("feed: pace control message: %w", err)
	}
	payload, err := json.Marshal(controlRequest{
		Header: controlRequestHeader{
			ApprovalKey: f.session.Credential(),
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: controlRequestBody{Input: controlRequestInput{TrID: trID, TrKey: instrument}},
	})
	if err != nil {
		return fmt.Errorf("feed: encode control message: %w", err)
	}
	if err := conn.Write(ctx, payload); err != nil {
		return fmt.Errorf("feed: write control message: %w", err)
	}
	return nil
}

// streamTypes are the per-instrument streams issued on subscribe: the depth
// ladder and the trade tape each have their own TR ID.
var streamTypes = []string{TypeOrderBook, TypeTrade}

func (f *Feed) subscribe(ctx context.Context, instrument string) error {
	for _, trID := range streamTypes {
		if err := f.sendControl(ctx, subscribeType, trID, instrument); err != nil {
			return err
		}
	}
	f.session.MarkSubscribed(instrument)
	return nil
}

// EnsureAllSubscribed reconciles the authoritative instrument list against
// the set issued on the current connection, subscribing only the missing
// ones. Intended for a periodic corrective scan.
func (f *Feed) EnsureAllSubscribed(ctx context.Context) error {
	if !f.session.Connected() {
		return nil
	}
	for _, instrument := range f.Tracked() {
		if f.session.IsSubscribed(instrument) {
			continue
		}
		observability.Log().Info("re-subscribing missing instrument",
			observability.F("instrument", instrument))
		if err := f.subscribe(ctx, instrument); err != nil {
			return err
		}
	}
	return nil
}

// websocketDialer is the production transport.
func websocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
