package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oidcrp/oidctest"
	"oidcrp/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestValidateURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := validateURL(context.Background(), srv.URL+"/ok"); err != nil {
		t.Fatalf("validateURL returned error: %v", err)
	}
	if err := validateURL(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestRunSetupPrefillsFromDiscovery(t *testing.T) {
	op, err := oidctest.New("webapp", "s3cret")
	if err != nil {
		t.Fatalf("start provider: %v", err)
	}
	defer op.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	input := strings.Join([]string{
		"",          // dev mode
		"",          // public url
		"",          // listen address
		op.Issuer(), // issuer
		"",          // client id
		"s3cret",    // client secret
	}, "\n") + "\n"
	var out bytes.Buffer

	cfg, err := runSetup(path, strings.NewReader(input), &out, discardLogger())
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if !cfg.Server.DevMode || cfg.Server.PublicURL != "http://127.0.0.1:3000" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.OIDC.ClientID != "webapp" || cfg.OIDC.ClientSecret != "s3cret" {
		t.Fatalf("unexpected client registration %+v", cfg.OIDC)
	}
	if cfg.OIDC.Discovery {
		t.Fatalf("discovery flag must stay off when endpoints were prefilled")
	}
	if cfg.OIDC.TokenEndpoint != op.TokenEndpoint() || cfg.OIDC.JWKSURI != op.JWKSURI() {
		t.Fatalf("endpoints not prefilled: %+v", cfg.OIDC)
	}
	if cfg.OIDC.EndSessionEndpoint != op.EndSessionEndpoint() {
		t.Fatalf("end session endpoint not prefilled: %q", cfg.OIDC.EndSessionEndpoint)
	}
	if !strings.Contains(out.String(), "http://127.0.0.1:3000/login/callback") {
		t.Fatalf("redirect uri not printed: %s", out.String())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected config permissions %v", info.Mode().Perm())
	}

	reloaded, err := loadConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if reloaded.OIDC.Issuer != op.Issuer() || reloaded.Session.SweepInterval != cfg.Session.SweepInterval {
		t.Fatalf("config did not round trip: %+v", reloaded)
	}
}

func TestRunSetupFallsBackToDiscoveryAtStartup(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	issuer := srv.URL
	srv.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	input := "\n\n\n" + issuer + "\n\n\n"

	cfg, err := runSetup(path, strings.NewReader(input), io.Discard, discardLogger())
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if !cfg.OIDC.Discovery {
		t.Fatalf("expected discovery to be enabled")
	}
	if cfg.OIDC.TokenEndpoint != "" {
		t.Fatalf("unexpected token endpoint %q", cfg.OIDC.TokenEndpoint)
	}
}

func TestRunConfigInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := runConfigInit(path, discardLogger()); err == nil {
		t.Fatalf("expected error for existing config")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := server.DefaultConfig()
	store, err := openStore(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("openStore returned error: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*server.InMemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", store)
	}
}

func TestTLSMinVersion(t *testing.T) {
	if tlsMinVersion("1.3") != 0x0304 {
		t.Fatalf("expected TLS 1.3")
	}
	if tlsMinVersion("") != 0x0303 || tlsMinVersion("1.2") != 0x0303 {
		t.Fatalf("expected TLS 1.2 default")
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/login?redirect=%2F", nil)
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://app.example.com/login?redirect=%2F" {
		t.Fatalf("unexpected location %q", got)
	}
}
