package metricsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestQueryInstantSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1710000000,"42.5"]}]}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	v, ok := c.QueryInstant(context.Background(), "up", time.Now())
	if !ok || v != 42.5 {
		t.Fatalf("QueryInstant() = (%v, %v), want (42.5, true)", v, ok)
	}
}

func TestQueryInstantEmptyResultIsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, ok := c.QueryInstant(context.Background(), "up", time.Now())
	if ok {
		t.Fatal("expected false on empty result set")
	}
}

func TestQueryInstantNonOKStatusIsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, ok := c.QueryInstant(context.Background(), "up", time.Now())
	if ok {
		t.Fatal("expected false on backend failure, never an error propagated to caller")
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/-/healthy" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	if !c.Healthy(context.Background()) {
		t.Fatal("expected Healthy() = true")
	}
}
