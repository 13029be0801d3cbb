// Package metricsclient talks to the Prometheus-style metrics backend
// (spec §6): instant queries and a health probe. Client shape adapted from
// the teacher's sdk/go/client.go HTTP plumbing.
package metricsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client queries the metrics backend for instant values.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client bounded by timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string   `json:"resultType"`
		Result     []result `json:"result"`
	} `json:"data"`
}

type result struct {
	Metric map[string]string `json:"metric"`
	Value  [2]any            `json:"value"`
}

// QueryInstant runs one instant query at timestamp t and returns the first
// scalar result, or (0, false) if the query produced no series or failed —
// per-query failure never aborts the caller (spec §4.6).
func (c *Client) QueryInstant(ctx context.Context, expr string, t time.Time) (float64, bool) {
	q := url.Values{}
	q.Set("query", expr)
	q.Set("time", strconv.FormatInt(t.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/query?"+q.Encode(), nil)
	if err != nil {
		return 0, false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, false
	}
	if env.Status != "success" || len(env.Data.Result) == 0 {
		return 0, false
	}

	str, ok := env.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Healthy probes GET /-/healthy.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/-/healthy", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Error wraps a non-2xx response, kept for callers that want to log the
// status rather than silently drop it (spec §7 "logged with status").
type Error struct{ Status int }

func (e *Error) Error() string { return fmt.Sprintf("metrics backend returned status %d", e.Status) }
