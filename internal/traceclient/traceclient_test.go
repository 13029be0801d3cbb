package traceclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const fixture = `{"data":[{"traceID":"t1","processes":{"p1":{"serviceName":"kx-wallet"},"p2":{"serviceName":"not-monitored"}},"spans":[
	{"spanID":"s1","operationName":"withdraw","processID":"p1","startTime":1700000000000000,"duration":12000,"references":[],"tags":[{"key":"http.status_code","type":"int64","value":200}]},
	{"spanID":"s2","operationName":"ignored","processID":"p2","startTime":1700000000000000,"duration":5000,"references":[{"refType":"CHILD_OF","spanID":"s1"}]}
]}]}`

func TestFetchRecentFiltersUnmonitoredServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fixture)
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"kx-wallet"}, 5*time.Second)
	traces, err := c.FetchRecent(context.Background(), "kx-wallet", time.Minute, 100)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(traces) != 1 || len(traces[0].Spans) != 1 {
		t.Fatalf("got %+v, want exactly one trace with one monitored span", traces)
	}
	span := traces[0].Spans[0]
	if span.Service != "kx-wallet" || span.DurationMS != 12.0 {
		t.Errorf("got span %+v", span)
	}
	if span.Attributes["http.status_code"] != float64(200) {
		t.Errorf("attributes = %+v", span.Attributes)
	}
}

func TestFetchRecentBackendUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", []string{"kx-wallet"}, time.Second)
	_, err := c.FetchRecent(context.Background(), "kx-wallet", time.Minute, 100)
	if err != ErrBackendUnavailable {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestFetchTraceReturnsNilWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"kx-wallet"}, 5*time.Second)
	trace, err := c.FetchTrace(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FetchTrace() error = %v", err)
	}
	if trace != nil {
		t.Errorf("expected nil trace, got %+v", trace)
	}
}

func TestFetchNonOKStatusReturnsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"kx-wallet"}, 5*time.Second)
	_, err := c.FetchRecent(context.Background(), "kx-wallet", time.Minute, 100)
	be, ok := err.(*BackendError)
	if !ok || be.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want *BackendError{502}", err)
	}
}
