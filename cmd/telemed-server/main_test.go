package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		JitsiBaseURL:         "https://meet.example.com",
		DefaultVideoProvider: "jitsi",
	}
}

func TestBuildProviderRegistry_JitsiAlways(t *testing.T) {
	reg := buildProviderRegistry(baseConfig(), zerolog.Nop())

	names := reg.Names()
	if len(names) != 1 || names[0] != "jitsi" {
		t.Fatalf("expected only jitsi, got %v", names)
	}
}

func TestBuildProviderRegistry_ZoomNeedsFullCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.ZoomAccountID = "acc"
	cfg.ZoomClientID = "client"
	// Missing client secret: zoom must not register.

	reg := buildProviderRegistry(cfg, zerolog.Nop())
	if _, err := reg.Get("zoom"); err == nil {
		t.Fatal("expected zoom absent without a client secret")
	}

	cfg.ZoomClientSecret = "secret"
	reg = buildProviderRegistry(cfg, zerolog.Nop())
	if _, err := reg.Get("zoom"); err != nil {
		t.Fatalf("expected zoom registered with full credentials: %v", err)
	}
}

func TestBuildProviderRegistry_WarnsWithoutWebhookSecret(t *testing.T) {
	cfg := baseConfig()
	cfg.ZoomAccountID = "acc"
	cfg.ZoomClientID = "client"
	cfg.ZoomClientSecret = "secret"

	var buf bytes.Buffer
	buildProviderRegistry(cfg, zerolog.New(&buf))
	if !strings.Contains(buf.String(), "webhook secret") {
		t.Fatalf("expected startup warning about missing webhook secret, got %q", buf.String())
	}

	// With a secret configured there is nothing to warn about.
	cfg.ZoomWebhookSecret = "hook"
	buf.Reset()
	buildProviderRegistry(cfg, zerolog.New(&buf))
	if strings.Contains(buf.String(), "webhook secret") {
		t.Fatalf("unexpected warning with webhook secret set: %q", buf.String())
	}
}

func TestBuildProviderRegistry_DailyWithAPIKey(t *testing.T) {
	cfg := baseConfig()
	cfg.DailyAPIKey = "dk"
	cfg.DailyDomain = "clinic"

	reg := buildProviderRegistry(cfg, zerolog.Nop())
	if _, err := reg.Get("daily"); err != nil {
		t.Fatalf("expected daily registered: %v", err)
	}
}

func TestBuildJWTConfig_SigningKey(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthSigningKey = "dev-secret"

	jwtCfg := buildJWTConfig(cfg)
	if string(jwtCfg.SigningKey) != "dev-secret" {
		t.Fatalf("signing key not carried over: %q", jwtCfg.SigningKey)
	}

	cfg.AuthSigningKey = ""
	if jwtCfg := buildJWTConfig(cfg); jwtCfg.SigningKey != nil {
		t.Fatal("expected nil signing key when unset")
	}
}
