package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gttdesk/internal/domain"
	"gttdesk/internal/util"
)

// DefaultDefinedgeURL is the Definedge Securities trading API base.
const DefaultDefinedgeURL = "https://integrate.definedgesecurities.com/dart/v1"

// Compile-time interface check.
var _ Broker = (*DefinedgeBroker)(nil)

// DefinedgeOptions configures a DefinedgeBroker.
type DefinedgeOptions struct {
	BaseURL    string
	SessionKey string
	Timeout    time.Duration

	// ListAttempts and RetryDelay bound retries of the read-only listing
	// call. Placement and cancellation are never retried.
	ListAttempts int
	RetryDelay   time.Duration

	// Limiter caps requests across all endpoints. Nil is unlimited.
	Limiter *util.RateLimiter

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefinedgeBroker implements the Broker interface against the Definedge
// GTT REST endpoints.
type DefinedgeBroker struct {
	baseURL      string
	sessionKey   string
	httpClient   *http.Client
	listAttempts int
	retryDelay   time.Duration
	limiter      *util.RateLimiter
	log          *slog.Logger
}

// NewDefinedgeBroker creates a DefinedgeBroker, filling unset options with
// defaults (base URL, 25s timeout, a single listing attempt).
func NewDefinedgeBroker(opts DefinedgeOptions) *DefinedgeBroker {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultDefinedgeURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.ListAttempts <= 0 {
		opts.ListAttempts = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &DefinedgeBroker{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		sessionKey:   opts.SessionKey,
		httpClient:   opts.HTTPClient,
		listAttempts: opts.ListAttempts,
		retryDelay:   opts.RetryDelay,
		limiter:      opts.Limiter,
		log:          opts.Logger,
	}
}

// Name returns "definedge".
func (b *DefinedgeBroker) Name() string {
	return "definedge"
}

// PlaceAlert submits a GTT order via POST /gttplaceorder.
func (b *DefinedgeBroker) PlaceAlert(ctx context.Context, payload domain.AlertPayload) (string, error) {
	body, err := b.call(ctx, http.MethodPost, "/gttplaceorder", gttPayload(payload))
	if err != nil {
		return "", fmt.Errorf("placing GTT for %s: %w", payload.Symbol, err)
	}
	var resp map[string]any
	if err := decodeNumbers(body, &resp); err != nil {
		return "", fmt.Errorf("placing GTT for %s: %w: %v", payload.Symbol, ErrMalformedResponse, err)
	}
	id, err := placedAlertID(resp)
	if err != nil {
		return "", fmt.Errorf("placing GTT for %s: %w", payload.Symbol, err)
	}
	b.log.Debug("definedge GTT placed", "symbol", payload.Symbol, "alert_id", id)
	return id, nil
}

// ListAlerts fetches the pending GTT order book via GET /gttorders.
func (b *DefinedgeBroker) ListAlerts(ctx context.Context) (AlertSet, error) {
	var set AlertSet
	err := util.Retry(ctx, b.listAttempts, b.retryDelay, func() error {
		body, err := b.call(ctx, http.MethodGet, "/gttorders", nil)
		if err != nil {
			b.log.Warn("definedge GTT listing failed", "error", err)
			return err
		}
		s, err := ParseAlertIDs(body)
		if err != nil {
			return err
		}
		set = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing GTT orders: %w", err)
	}
	return set, nil
}

// CancelAlert cancels a pending GTT via GET /gttcancel/{alert_id}.
func (b *DefinedgeBroker) CancelAlert(ctx context.Context, alertID string) error {
	body, err := b.call(ctx, http.MethodGet, "/gttcancel/"+url.PathEscape(alertID), nil)
	if err != nil {
		return fmt.Errorf("cancelling GTT %s: %w", alertID, err)
	}
	var resp map[string]any
	if err := decodeNumbers(body, &resp); err != nil {
		return fmt.Errorf("cancelling GTT %s: %w: %v", alertID, ErrMalformedResponse, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("cancelling GTT %s: %w", alertID, err)
	}
	return nil
}

// gttPayload renders the Definedge GTT body. Every value is a string and
// prices carry two decimals.
func gttPayload(p domain.AlertPayload) map[string]string {
	m := map[string]string{
		"exchange":      p.Exchange,
		"tradingsymbol": p.Symbol,
		"condition":     string(p.Condition),
		"alert_price":   p.AlertPrice.StringFixed(2),
		"order_type":    string(p.OrderSide),
		"price":         p.LimitPrice.StringFixed(2),
		"quantity":      strconv.FormatInt(p.Quantity, 10),
	}
	if p.ProductType != "" {
		m["product_type"] = p.ProductType
	}
	if p.Remarks != "" {
		m["remarks"] = p.Remarks
	}
	return m
}

// call performs an authenticated request and returns the raw body of a 2xx
// response.
func (b *DefinedgeBroker) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	// Definedge expects the bare session key, without a scheme.
	req.Header.Set("Authorization", b.sessionKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func decodeNumbers(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
