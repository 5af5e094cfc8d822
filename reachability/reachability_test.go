package reachability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProberIsReachableOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL}
	if !p.IsReachable(context.Background()) {
		t.Fatal("expected reachable for a 200 response")
	}
}

func TestHTTPProberNotReachableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL}
	if p.IsReachable(context.Background()) {
		t.Fatal("expected unreachable for a 502 response")
	}
}

func TestAwaitReachableReturnsImmediatelyWhenUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL, PollInterval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.AwaitReachable(ctx); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAwaitReachableRespectsCancellation(t *testing.T) {
	p := &HTTPProber{URL: "http://127.0.0.1:0", PollInterval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.AwaitReachable(ctx); err == nil {
		t.Fatal("expected an error once the context is cancelled")
	}
}
