// Package traceclient implements the Trace Source Adapter (spec §4.1): a
// read-only HTTP JSON client against the trace backend. Its client shape
// (BaseURL + http.Client with a pooled transport, bounded timeout) is
// adapted from the teacher's sdk/go/client.go, rewritten against the
// Jaeger-style query contract in spec §6 instead of MinIO's object API.
package traceclient

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

// ErrBackendUnavailable is returned when the trace backend refuses the
// connection; callers must treat this as an empty result, not fatal.
var ErrBackendUnavailable = errors.New("trace backend unavailable")

// BackendError wraps a non-2xx response from the trace backend.
type BackendError struct {
	Status int
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("trace backend returned status %d", e.Status)
}

// Client pulls traces from the backend and resolves each span's service
// from the trace's processID table, discarding spans whose service is not
// monitored.
type Client struct {
	baseURL           string
	http              *http.Client
	monitoredServices map[string]struct{}
}

// New creates a Client bounded by timeout, scoped to monitoredServices.
func New(baseURL string, monitoredServices []string, timeout time.Duration) *Client {
	set := make(map[string]struct{}, len(monitoredServices))
	for _, s := range monitoredServices {
		set[s] = struct{}{}
	}
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
		monitoredServices: set,
	}
}

// wireResponse mirrors the trace backend's JSON envelope (spec §6).
type wireResponse struct {
	Data []wireTrace `json:"data"`
}

type wireTrace struct {
	TraceID string     `json:"traceID"`
	Spans   []wireSpan `json:"spans"`
	Process map[string]wireProcess `json:"processes"`
}

type wireSpan struct {
	SpanID        string          `json:"spanID"`
	OperationName string          `json:"operationName"`
	References    []wireReference `json:"references"`
	StartTime     int64           `json:"startTime"` // microseconds
	Duration      int64           `json:"duration"`  // microseconds
	Tags          []wireTag       `json:"tags"`
	ProcessID     string          `json:"processID"`
}

type wireReference struct {
	RefType string `json:"refType"`
	SpanID  string `json:"spanID"`
}

type wireTag struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type wireProcess struct {
	ServiceName string `json:"serviceName"`
}

// FetchRecent pulls the last lookback window of traces for one service.
func (c *Client) FetchRecent(ctx context.Context, service string, lookback time.Duration, limit int) ([]domain.Trace, error) {
	q := url.Values{}
	q.Set("service", service)
	q.Set("lookback", lookback.String())
	q.Set("limit", strconv.Itoa(limit))
	return c.fetch(ctx, q)
}

// FetchSince pulls traces in [startMicros, endMicros] for one service.
func (c *Client) FetchSince(ctx context.Context, service string, startMicros, endMicros int64, limit int) ([]domain.Trace, error) {
	q := url.Values{}
	q.Set("service", service)
	q.Set("start", strconv.FormatInt(startMicros, 10))
	q.Set("end", strconv.FormatInt(endMicros, 10))
	q.Set("limit", strconv.Itoa(limit))
	return c.fetch(ctx, q)
}

// FetchTrace pulls one trace by id, used by the control surface's analyze
// operation to supply auxiliary context to the LLM.
func (c *Client) FetchTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	traces, err := c.fetch(ctx, nil, "/api/traces/"+url.PathEscape(traceID))
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, nil
	}
	return &traces[0], nil
}

func (c *Client) fetch(ctx context.Context, q url.Values, pathOverride ...string) ([]domain.Trace, error) {
	path := "/api/traces"
	if len(pathOverride) > 0 {
		path = pathOverride[0]
	}
	u := c.baseURL + path
	if q != nil {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Any transport-level failure (refused connection, timeout, DNS)
		// is treated as an empty result, never fatal (spec §7).
		return nil, ErrBackendUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendError{Status: resp.StatusCode}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode trace response: %w", err)
	}

	return c.toDomain(wire), nil
}

func (c *Client) toDomain(wire wireResponse) []domain.Trace {
	traces := make([]domain.Trace, 0, len(wire.Data))
	for _, t := range wire.Data {
		trace := domain.Trace{TraceID: t.TraceID}
		for _, s := range t.Spans {
			proc := t.Process[s.ProcessID]
			service := proc.ServiceName
			if _, ok := c.monitoredServices[service]; !ok {
				continue
			}

			span := domain.Span{
				TraceID:    t.TraceID,
				SpanID:     s.SpanID,
				Service:    service,
				Operation:  s.OperationName,
				StartTime:  time.UnixMicro(s.StartTime),
				DurationMS: float64(s.Duration) / 1000.0,
				Attributes: tagsToAttributes(s.Tags),
			}
			for _, ref := range s.References {
				if ref.RefType == "CHILD_OF" {
					span.ParentSpanID = ref.SpanID
					break
				}
			}
			trace.Spans = append(trace.Spans, span)
		}
		if len(trace.Spans) > 0 {
			traces = append(traces, trace)
		}
	}
	return traces
}

func tagsToAttributes(tags []wireTag) map[string]any {
	if len(tags) == 0 {
		return nil
	}
	attrs := make(map[string]any, len(tags))
	for _, t := range tags {
		attrs[t.Key] = t.Value
	}
	return attrs
}
