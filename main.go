package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidcrp/client"
	"oidcrp/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("OIDCRP_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	configFile := *configPath
	if configFile == "" && flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
		return
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Provider reachability is only a warning at startup.
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	application, err := server.NewApp(ctx, cfg, store, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	stopSweep := make(chan struct{})
	application.Sessions.StartSweep(cfg.Session.SweepInterval, stopSweep)
	defer close(stopSweep)

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.RootURL())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "public_url", cfg.RootURL())
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// openStore builds the configured user and session store. The postgres
// schema is applied when storage.migrate is set.
func openStore(ctx context.Context, cfg server.Config, logger *slog.Logger) (server.Store, error) {
	switch cfg.Storage.Driver {
	case server.DriverPostgres:
		pg, err := server.OpenPostgres(ctx, cfg.Storage.DatabaseURL, cfg.Storage.MaxConns)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
			logger.Info("database schema applied")
		}
		return pg, nil
	case server.DriverMemory, "":
		logger.Warn("using in-memory store; users and sessions are lost on restart")
		return server.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, os.Stdin, os.Stdout, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	if _, err := client.Discover(ctx, cfg.OIDC.Issuer, nil); err != nil {
		logger.Error("provider discovery failed", "issuer", cfg.OIDC.Issuer, "error", err)
	} else {
		logger.Info("provider discovery succeeded", "issuer", cfg.OIDC.Issuer)
	}
	for name, endpoint := range providerEndpoints(cfg) {
		if err := validateURL(ctx, endpoint); err != nil {
			logger.Error("provider endpoint validation failed", "endpoint", name, "url", endpoint, "error", err)
		} else {
			logger.Info("provider endpoint is accessible", "endpoint", name, "url", endpoint)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for name, endpoint := range providerEndpoints(cfg) {
		if err := validateURL(ctx, endpoint); err != nil {
			logger.Warn("provider endpoint may not be accessible",
				"endpoint", name,
				"url", endpoint,
				"error", err,
				"note", "server will continue but authentication may fail")
		} else {
			logger.Debug("provider endpoint is accessible", "endpoint", name, "url", endpoint)
		}
	}
}

// providerEndpoints lists the endpoints that answer unauthenticated GETs.
func providerEndpoints(cfg server.Config) map[string]string {
	out := map[string]string{
		"discovery": strings.TrimSuffix(cfg.OIDC.Issuer, "/") + "/.well-known/openid-configuration",
	}
	if cfg.OIDC.JWKSURI != "" {
		out["jwks"] = cfg.OIDC.JWKSURI
	}
	return out
}

func validateURL(ctx context.Context, urlStr string) error {
	httpClient := cleanhttp.DefaultClient()
	httpClient.Timeout = 5 * time.Second

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// runSetup asks for the relying-party registration, prefills provider
// endpoints from discovery and writes the result to path.
func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	p := prompter{r: reader, w: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := p.askRequired("Primary public domain (e.g. app.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.OIDC.Issuer = strings.TrimSuffix(p.askRequired("OpenID Provider issuer URL"), "/")
	cfg.OIDC.ClientID = p.ask("Client ID", "webapp")
	cfg.OIDC.ClientSecret = p.ask("Client secret (empty for a public client)", "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	md, err := client.Discover(ctx, cfg.OIDC.Issuer, nil)
	if err != nil {
		logger.Warn("discovery failed; endpoints will be discovered at startup", "issuer", cfg.OIDC.Issuer, "error", err)
		cfg.OIDC.Discovery = true
	} else {
		cfg.OIDC.AuthorizationEndpoint = md.AuthorizationEndpoint
		cfg.OIDC.TokenEndpoint = md.TokenEndpoint
		cfg.OIDC.UserinfoEndpoint = md.UserInfoEndpoint
		cfg.OIDC.EndSessionEndpoint = md.EndSessionEndpoint
		cfg.OIDC.JWKSURI = md.JWKSURI
		if !md.BackchannelLogout {
			logger.Warn("provider does not advertise back-channel logout")
		}
	}
	fmt.Fprintf(out, "Register %s as the redirect URI and %s as the back-channel logout URI.\n",
		cfg.RootURL()+"/login/callback", cfg.RootURL()+"/logout/backchannel")

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p prompter) readLine() (string, error) {
	input, err := p.r.ReadString('\n')
	return strings.TrimSpace(input), err
}

func (p prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", prompt)
	}
	input, _ := p.readLine()
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.w, "%s: ", prompt)
		input, err := p.readLine()
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(p.w, "This value is required. Please enter a value.")
	}
}

func (p prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, defLabel)
		input, err := p.readLine()
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.w, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
