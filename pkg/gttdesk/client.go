// Package gttdesk is a Go client for the gttdesk server HTTP API.
package gttdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gttdesk/internal/desk"
	"gttdesk/internal/domain"
)

// Client provides a Go SDK for interacting with the gttdesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new gttdesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the server. Plan is set when the server
// returned the plan state alongside the error.
type APIError struct {
	StatusCode int
	Message    string
	Plan       *domain.Plan
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gttdesk: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Health returns the server health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.do(ctx, http.MethodGet, "/api/health", nil, &out)
}

// CreatePlan registers a new plan.
func (c *Client) CreatePlan(ctx context.Context, req desk.CreateRequest) (*desk.Result, error) {
	var out desk.Result
	if err := c.do(ctx, http.MethodPost, "/api/plans", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPlans returns every plan, oldest first.
func (c *Client) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	var out []*domain.Plan
	return out, c.do(ctx, http.MethodGet, "/api/plans", nil, &out)
}

// GetPlan returns one plan.
func (c *Client) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var out domain.Plan
	if err := c.do(ctx, http.MethodGet, planPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePlan removes a plan and returns its archive path, if one was written.
func (c *Client) DeletePlan(ctx context.Context, id string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodDelete, planPath(id), nil, &out); err != nil {
		return "", err
	}
	return out["archive"], nil
}

// PlaceAll places every unplaced or failed layer.
func (c *Client) PlaceAll(ctx context.Context, id string) (*desk.Result, error) {
	return c.result(ctx, planPath(id)+"/place")
}

// Scan reconciles a plan with the broker.
func (c *Client) Scan(ctx context.Context, id string) (*desk.Result, error) {
	return c.result(ctx, planPath(id)+"/scan")
}

// CancelAll cancels every live layer.
func (c *Client) CancelAll(ctx context.Context, id string) (*desk.Result, error) {
	return c.result(ctx, planPath(id)+"/cancel-all")
}

// MarkTriggered records an operator-declared trigger.
func (c *Client) MarkTriggered(ctx context.Context, id, label string) (*desk.Result, error) {
	return c.result(ctx, layerPath(id, label)+"/trigger")
}

// CancelLayer cancels one layer.
func (c *Client) CancelLayer(ctx context.Context, id, label string) (*desk.Result, error) {
	return c.result(ctx, layerPath(id, label)+"/cancel")
}

// ScanAll scans every placed plan with live layers.
func (c *Client) ScanAll(ctx context.Context) (*desk.ScanSummary, error) {
	var out desk.ScanSummary
	if err := c.do(ctx, http.MethodPost, "/api/scan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Journal returns the recorded events of a plan.
func (c *Client) Journal(ctx context.Context, id string) ([]domain.Event, error) {
	var out []domain.Event
	return out, c.do(ctx, http.MethodGet, planPath(id)+"/journal", nil, &out)
}

// Archive writes the plan journal to its parquet archive on the server.
func (c *Client) Archive(ctx context.Context, id string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, planPath(id)+"/archive", nil, &out); err != nil {
		return "", err
	}
	return out["archive"], nil
}

func (c *Client) result(ctx context.Context, path string) (*desk.Result, error) {
	var out desk.Result
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error string       `json:"error"`
			Plan  *domain.Plan `json:"plan"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Plan = e.Plan
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func planPath(id string) string {
	return "/api/plans/" + url.PathEscape(id)
}

func layerPath(id, label string) string {
	return planPath(id) + "/layers/" + url.PathEscape(label)
}
