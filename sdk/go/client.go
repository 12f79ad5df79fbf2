package drivelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Driveline HTTP API client.
type Client struct {
	BaseURL    string
	Tenant     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenant string) *Client {
	return &Client{
		BaseURL: baseURL,
		Tenant:  tenant,
		Timeout: 10 * time.Second,
	}
}

// Subject identifies the entity a directive or signal is about.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrorInfo describes a directive failure.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Directive represents the API directive model.
type Directive struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Subject        *Subject       `json:"subject,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         string         `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	ScheduledAt    *string        `json:"scheduled_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	RerunRequested bool           `json:"rerun_requested"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	CompletedAt    *string        `json:"completed_at,omitempty"`
}

// Signal represents an entry in the append-only fact log.
type Signal struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Type      string         `json:"type"`
	Subject   Subject        `json:"subject"`
	DedupeKey *string        `json:"dedupe_key,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// DirectiveRequest are parameters for RequestDirective.
type DirectiveRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Subject        *Subject       `json:"subject,omitempty"`
	ScheduledAt    *string        `json:"scheduled_at,omitempty"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

// SignalRequest are parameters for EmitSignal.
type SignalRequest struct {
	Type      string         `json:"type"`
	Subject   Subject        `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestDirective creates a directive. Repeating the call with the same
// type and idempotency key returns the existing directive.
func (c *Client) RequestDirective(ctx context.Context, req DirectiveRequest) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, c.tenantPath("directives"), req, &resp)
	return resp, err
}

// GetDirective fetches a directive by id.
func (c *Client) GetDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListDirectives returns directives, newest first. Status and dtype filters
// are optional.
func (c *Client) ListDirectives(ctx context.Context, dtype, status string, limit int) ([]Directive, error) {
	endpoint := c.tenantPath("directives")
	q := url.Values{}
	if dtype != "" {
		q.Set("type", dtype)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Directive
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Deliver runs one execution attempt of the directive and returns its state
// afterwards. Safe to repeat.
func (c *Client) Deliver(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s/deliver", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Cancel moves a requested directive to canceled.
func (c *Client) Cancel(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s/cancel", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Rerun flags a completed directive to run once more on its next delivery.
func (c *Client) Rerun(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s/rerun", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// EmitSignal appends a fact to the signal log.
func (c *Client) EmitSignal(ctx context.Context, req SignalRequest) (Signal, error) {
	var resp Signal
	err := c.do(ctx, http.MethodPost, c.tenantPath("signals"), req, &resp)
	return resp, err
}

// GetSignal fetches a signal by id.
func (c *Client) GetSignal(ctx context.Context, id string) (Signal, error) {
	var resp Signal
	endpoint := c.tenantPath(fmt.Sprintf("signals/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListSignals returns signals, newest first, optionally filtered by type.
func (c *Client) ListSignals(ctx context.Context, sigType string, limit int) ([]Signal, error) {
	endpoint := c.tenantPath("signals")
	q := url.Values{}
	if sigType != "" {
		q.Set("type", sigType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Signal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Replay re-delivers a stored signal to the server's fan-out consumers.
func (c *Client) Replay(ctx context.Context, signalID string) error {
	endpoint := fmt.Sprintf("v0/signals/%s/replay", url.PathEscape(signalID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.Tenant)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
