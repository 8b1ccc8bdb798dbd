// Command healthcheck probes /api/healthz and exits non-zero when the
// service or its store is unavailable. It is meant for container health
// checks where no shell or curl is present.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const defaultBaseURL = "http://127.0.0.1:3000"

func main() {
	baseURL := flag.String("url", envOr("OIDCRP_HEALTHCHECK_URL", defaultBaseURL), "Base URL of the service")
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := check(ctx, cleanhttp.DefaultClient(), *baseURL); err != nil {
		logger.Error("health check failed", "url", *baseURL, "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// check calls {baseURL}/api/healthz and requires a 200 with status "ok".
func check(ctx context.Context, httpClient *http.Client, baseURL string) error {
	target := strings.TrimSuffix(baseURL, "/") + "/api/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		return fmt.Errorf("unhealthy: status %d, %q", resp.StatusCode, body.Status)
	}
	return nil
}
