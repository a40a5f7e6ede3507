package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnehpets/oauthlab/config"
	"github.com/rs/zerolog"
)

func TestServeOptions_FlagsOverrideConfig(t *testing.T) {
	cmd := newServeCmd()
	if err := cmd.Flags().Parse([]string{
		"--listen", "127.0.0.1:9999",
		"--log-level", "debug",
		"--strict",
		"--provider", "google=https://accounts.google.com",
		"--allowed-origin", "https://app.example.com",
	}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.PublicURL = "https://lab.example.com"
	opts := &serveOptions{}
	// Recover the values cobra bound to the flags.
	opts.listenAddr, _ = cmd.Flags().GetString("listen")
	opts.logLevel, _ = cmd.Flags().GetString("log-level")
	opts.strict, _ = cmd.Flags().GetBool("strict")
	opts.providers, _ = cmd.Flags().GetStringSlice("provider")
	opts.origins, _ = cmd.Flags().GetStringSlice("allowed-origin")

	if err := opts.apply(cfg, cmd.Flags()); err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" || cfg.LogLevel != zerolog.DebugLevel || !cfg.StrictTokenValidation {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.PublicURL != "https://lab.example.com" {
		t.Error("unset flag overrode config")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "google" {
		t.Errorf("unexpected providers %v", cfg.Providers)
	}
	if len(cfg.AllowedOrigins) != 1 {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestServeOptions_RejectsBadFlags(t *testing.T) {
	cmd := newServeCmd()
	if err := cmd.Flags().Parse([]string{"--provider", "nonsense"}); err != nil {
		t.Fatal(err)
	}
	opts := &serveOptions{}
	opts.providers, _ = cmd.Flags().GetStringSlice("provider")
	if err := opts.apply(config.Default(), cmd.Flags()); err == nil {
		t.Error("expected an error for a malformed provider")
	}
}

func TestNewApp_Routes(t *testing.T) {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flows", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /flows: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodOptions, "/flows", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("preflight: %d %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
	var scopes []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &scopes); err != nil {
		t.Fatalf("metrics body: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "oauthlab.flows.stored") {
		t.Errorf("flow gauge not reported: %s", rec.Body.String())
	}
}

func TestNewApp_NoTelemetryEndpointByDefault(t *testing.T) {
	a, err := newApp(context.Background(), config.Default(), zerolog.Nop(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	if rec.Code == http.StatusOK {
		t.Error("metrics served without telemetry")
	}
}
