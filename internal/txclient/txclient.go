// Package txclient is the read-only adapter onto the operational
// store's executed-transaction feed (orders, deposits, withdrawals,
// transfers). The operational layer itself is out of scope (spec §1: "the
// trading/order/wallet application... whose interfaces we consume, not
// reimplement") — this client only specifies the request contract the
// amount subsystem polls against, shaped the same way as
// internal/traceclient's HTTP plumbing.
package txclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kx-platform/trace-anomaly/internal/domain"
)

// ErrBackendUnavailable is returned when the operational store refuses
// the connection; callers must treat this as an empty result, not fatal.
var ErrBackendUnavailable = errors.New("operational store unavailable")

// Client pulls recently executed transactions from the operational store.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client bounded by timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type wireTransaction struct {
	Reference     string  `json:"reference"`
	OperationType string  `json:"operationType"`
	Asset         string  `json:"asset"`
	Amount        float64 `json:"amount"`
	Timestamp     int64   `json:"timestamp"` // unix micros
}

type wireResponse struct {
	Data []wireTransaction `json:"data"`
}

// FetchRecent returns transactions executed within the last `lookback`,
// up to limit, matching profiler.TraceSource's shape (spec §4.5: polls
// every 60s, limited to 24h of history).
func (c *Client) FetchRecent(ctx context.Context, lookback time.Duration, limit int) ([]domain.Transaction, error) {
	q := url.Values{}
	q.Set("lookback", lookback.String())
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/transactions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build transactions request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("operational store returned status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode transactions response: %w", err)
	}

	out := make([]domain.Transaction, 0, len(wire.Data))
	for _, t := range wire.Data {
		out = append(out, domain.Transaction{
			Reference:     t.Reference,
			OperationType: domain.AmountOperationType(t.OperationType),
			Asset:         t.Asset,
			Amount:        t.Amount,
			Timestamp:     time.UnixMicro(t.Timestamp),
		})
	}
	return out, nil
}
