// Package anomaly is the public Go SDK for the trace-anomaly Control
// Surface API, shaped after the teacher's sdk/go/client.go: a thin
// net/http wrapper with a pooled transport, no generated stubs.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Client talks to a running Control Surface instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds the configuration for creating a new Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a Client against the given Control Surface base URL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Severity mirrors internal/domain.Severity without pulling in the
// module's internal package; external consumers only need the wire
// shape, never the classification logic that produces it.
type Severity int

// Severity tiers, 1 (Critical) through 5 (Low).
const (
	SeverityCritical Severity = 1
	SeverityMajor    Severity = 2
	SeverityModerate Severity = 3
	SeverityMinor    Severity = 4
	SeverityLow      Severity = 5
)

// Anomaly is the wire representation returned by /anomalies and /history,
// matching internal/domain.Anomaly's JSON encoding field for field.
type Anomaly struct {
	ID             string         `json:"id"`
	TraceID        string         `json:"traceId,omitempty"`
	SpanID         string         `json:"spanId,omitempty"`
	Service        string         `json:"service"`
	Operation      string         `json:"operation"`
	Reference      string         `json:"reference,omitempty"`
	Value          float64        `json:"value"`
	ExpectedMean   float64        `json:"expectedMean"`
	ExpectedStdDev float64        `json:"expectedStdDev"`
	Deviation      float64        `json:"deviation"`
	Severity       Severity       `json:"severity"`
	Timestamp      time.Time      `json:"timestamp"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	DayOfWeek      int            `json:"dayOfWeek"`
	HourOfDay      int            `json:"hourOfDay"`
}

// HealthStatus is the decoded response of GET /health.
type HealthStatus struct {
	Status     string    `json:"status"`
	LastPolled time.Time `json:"lastPolled"`
}

// Health fetches the current pipeline health.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	return out, c.getJSON(ctx, "/health", nil, &out)
}

// ActiveAnomalies fetches the in-memory active anomaly set.
func (c *Client) ActiveAnomalies(ctx context.Context) ([]Anomaly, error) {
	var out []Anomaly
	return out, c.getJSON(ctx, "/anomalies", nil, &out)
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	Hours   int
	Service string
}

// HistoryResponse is the decoded response of GET /history.
type HistoryResponse struct {
	Anomalies  []Anomaly `json:"anomalies"`
	TotalCount int       `json:"totalCount"`
}

// History fetches persisted anomalies matching f.
func (c *Client) History(ctx context.Context, f HistoryFilter) (HistoryResponse, error) {
	q := url.Values{}
	if f.Hours > 0 {
		q.Set("hours", strconv.Itoa(f.Hours))
	}
	if f.Service != "" {
		q.Set("service", f.Service)
	}
	var out HistoryResponse
	return out, c.getJSON(ctx, "/history", q, &out)
}

// Analyze requests an LLM explanation for a single anomaly.
func (c *Client) Analyze(ctx context.Context, anomalyID string) (string, error) {
	q := url.Values{}
	q.Set("anomalyId", anomalyID)
	var out struct {
		Analysis string `json:"analysis"`
	}
	if err := c.getJSON(ctx, "/analyze", q, &out); err != nil {
		return "", err
	}
	return out.Analysis, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if q != nil {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control surface returned status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
