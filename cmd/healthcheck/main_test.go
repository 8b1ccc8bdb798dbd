package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestCheck(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	if err := check(context.Background(), srv.Client(), srv.URL+"/"); err != nil {
		t.Fatalf("check returned error: %v", err)
	}

	unhealthy.Store(true)
	if err := check(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Fatalf("expected error for unavailable service")
	}
}

func TestCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := check(context.Background(), srv.Client(), url); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("OIDCRP_HEALTHCHECK_URL", "http://svc:8080")
	if got := envOr("OIDCRP_HEALTHCHECK_URL", defaultBaseURL); got != "http://svc:8080" {
		t.Fatalf("unexpected value %q", got)
	}
	if got := envOr("OIDCRP_HEALTHCHECK_UNSET", defaultBaseURL); got != defaultBaseURL {
		t.Fatalf("unexpected default %q", got)
	}
}
