package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

// ProviderClient covers the provider's request/response surface: the
// credential exchange used before dialling the stream, and the REST quote
// endpoint backing the cache fallback tier.
type ProviderClient struct {
	httpClient *http.Client
	baseURL    string
	appKey     string
	appSecret  string
}

// NewProviderClient creates a client for the provider REST surface.
func NewProviderClient(baseURL, appKey, appSecret string, timeout time.Duration) *ProviderClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProviderClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		appKey:     appKey,
		appSecret:  appSecret,
	}
}

type credentialRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type credentialResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// IssueCredential performs the credential exchange and returns the session
// token required by the streaming endpoint.
func (c *ProviderClient) IssueCredential(ctx context.Context) (string, error) {
	body, err := json.Marshal(credentialRequest{
		GrantType: "client_credentials",
		AppKey:    c.appKey,
		SecretKey: c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("feed: encode credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/approval", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("feed: build credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.New("feed/credential", errs.CodeUnavailable,
			errs.WithMessage("credential exchange failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.New("feed/credential", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("credential exchange returned %d", resp.StatusCode)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("feed: read credential response: %w", err)
	}
	var decoded credentialResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("feed: decode credential response: %w", err)
	}
	if strings.TrimSpace(decoded.ApprovalKey) == "" {
		return "", errs.New("feed/credential", errs.CodeUnavailable,
			errs.WithMessage("credential response missing approval key"))
	}
	return decoded.ApprovalKey, nil
}

type restQuoteResponse struct {
	Output struct {
		Last          string          `json:"last"`
		PreviousClose string          `json:"prev_close"`
		ChangeRate    string          `json:"change_rate"`
		Asks          []restBookLevel `json:"asks"`
		Bids          []restBookLevel `json:"bids"`
	} `json:"output"`
}

type restBookLevel struct {
	Price string `json:"price"`
	Size  int64  `json:"size"`
}

// FetchQuote polls the provider REST quote endpoint for one instrument. It
// implements the quote service's fallback tier.
func (c *ProviderClient) FetchQuote(ctx context.Context, instrument string) (domain.QuoteSnapshot, error) {
	url := fmt.Sprintf("%s/quotations/inquire-asking-price?code=%s", c.baseURL, instrument)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.QuoteSnapshot{}, fmt.Errorf("feed: build quote request: %w", err)
	}
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.QuoteSnapshot{}, errs.New("feed/rest-quote", errs.CodeUnavailable,
			errs.WithMessage("quote poll failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.QuoteSnapshot{}, errs.New("feed/rest-quote", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("quote poll returned %d", resp.StatusCode)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.QuoteSnapshot{}, fmt.Errorf("feed: read quote response: %w", err)
	}
	var decoded restQuoteResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return domain.QuoteSnapshot{}, fmt.Errorf("feed: decode quote response: %w", err)
	}

	snapshot := domain.QuoteSnapshot{Instrument: instrument, Source: domain.QuotePolled}
	if last, ok := parsePrice(decoded.Output.Last); ok {
		snapshot.LastPrice = last
		if prev, ok := parsePrice(decoded.Output.PreviousClose); ok {
			snapshot.ChangeAmount = last.Sub(prev)
		}
	}
	if rate, err := decimal.NewFromString(strings.TrimSpace(decoded.Output.ChangeRate)); err == nil {
		snapshot.ChangeRate = rate
	}
	for i, level := range decoded.Output.Asks {
		if i >= domain.BookDepth {
			break
		}
		if price, ok := parsePrice(level.Price); ok {
			snapshot.Asks = append(snapshot.Asks, domain.QuoteLevel{Price: price, Size: level.Size})
		}
	}
	for i, level := range decoded.Output.Bids {
		if i >= domain.BookDepth {
			break
		}
		if price, ok := parsePrice(level.Price); ok {
			snapshot.Bids = append(snapshot.Bids, domain.QuoteLevel{Price: price, Size: level.Size})
		}
	}
	return snapshot, nil
}
