package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/memorystore"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func testConfig() Config {
	return Config{
		Listen:            "127.0.0.1:0",
		PublicURL:         "http://relay.example.com",
		AuthenticationURL: "https://idp.example.com/authorize",
		ProviderClientID:  "relay",
		SessionTTL:        time.Hour,
		Store:             backendMemory,
		Bus:               backendMemory,
		LogLevel:          "info",
	}
}

func TestVersionCommandPrintsModule(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if !strings.HasPrefix(stdout, modulePath+" ") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ACCESS_RELAY_STORE", "postgres")
	t.Setenv("ACCESS_RELAY_PG_DSN", "postgres://localhost/relay")
	t.Setenv("ACCESS_RELAY_SESSION_TTL", "30m")
	t.Setenv("ACCESS_RELAY_RATE_LIMIT", "2.5")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != backendPostgres || cfg.PostgresDSN != "postgres://localhost/relay" {
		t.Fatalf("store settings not decoded: %+v", cfg)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("session ttl = %v", cfg.SessionTTL)
	}
	if cfg.RateLimit != 2.5 {
		t.Fatalf("rate limit = %v", cfg.RateLimit)
	}
	if cfg.Bus != backendMemory || cfg.Listen != ":8080" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "etcd" }, wantErr: "Store"},
		{name: "redis bus", mutate: func(c *Config) { c.Bus = backendRedis }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store = backendPostgres }, wantErr: "PostgresDSN"},
		{name: "bad public url", mutate: func(c *Config) { c.PublicURL = "not a url" }, wantErr: "PublicURL"},
		{name: "audience without key source", mutate: func(c *Config) { c.IdPAudience = "relay" }, wantErr: "IdPIssuer"},
		{name: "audience with jwks file", mutate: func(c *Config) {
			c.IdPAudience = "relay"
			c.IdPJWKSFile = "/etc/relay/jwks.json"
		}},
		{name: "short session ttl", mutate: func(c *Config) { c.SessionTTL = time.Second }, wantErr: "SessionTTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestProvisionRefusesMemoryStore(t *testing.T) {
	t.Setenv("ACCESS_RELAY_STORE", "memory")
	_, _, err := executeRootCommand(t, "provision", "account", "--email", "carol@example.com")
	if !errors.Is(err, errEphemeralStore) {
		t.Fatalf("expected ephemeral store error, got %v", err)
	}
}

func TestProvisionAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := capability.NewRegistry(memorystore.New())

	first, err := provisionAccount(ctx, reg, " Carol@Example.com ", "Carol")
	if err != nil {
		t.Fatalf("provisionAccount: %v", err)
	}
	if !first.Created || first.Email != "carol@example.com" || first.AccessToken == "" {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := provisionAccount(ctx, reg, "carol@example.com", "")
	if err != nil {
		t.Fatalf("provisionAccount again: %v", err)
	}
	if second.Created || second.AccountID != first.AccountID || second.AccessToken != first.AccessToken {
		t.Fatalf("expected the same account and main token, got %+v vs %+v", second, first)
	}
	acc, err := reg.Store().GetAccount(ctx, first.AccountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.EmailVerified == nil {
		t.Fatalf("provisioned account should be verified")
	}
}

func TestProvisionClient(t *testing.T) {
	ctx := context.Background()
	reg := capability.NewRegistry(memorystore.New())

	system, err := provisionClient(ctx, reg, "Looking Glass", "looking-glass", "")
	if err != nil {
		t.Fatalf("provision system client: %v", err)
	}
	if !system.Created || system.OwnerID != "" || system.AccessToken == "" {
		t.Fatalf("unexpected system client %+v", system)
	}
	again, err := provisionClient(ctx, reg, "Looking Glass", "", "")
	if err != nil {
		t.Fatalf("provision system client again: %v", err)
	}
	if again.Created || again.ClientID != system.ClientID || again.AccessToken != system.AccessToken {
		t.Fatalf("expected reuse, got %+v", again)
	}

	if _, err := provisionClient(ctx, reg, "Owned", "", "nobody@example.com"); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("expected not found for unknown owner, got %v", err)
	}
	owner, err := provisionAccount(ctx, reg, "carol@example.com", "Carol")
	if err != nil {
		t.Fatalf("provisionAccount: %v", err)
	}
	owned, err := provisionClient(ctx, reg, "Owned", "", "carol@example.com")
	if err != nil {
		t.Fatalf("provision owned client: %v", err)
	}
	if owned.OwnerID != owner.AccountID || !owned.Created {
		t.Fatalf("unexpected owned client %+v", owned)
	}
	access, err := reg.Store().FindAccessByToken(ctx, owned.AccessToken)
	if err != nil {
		t.Fatalf("FindAccessByToken: %v", err)
	}
	if access.Shape() != capability.ShapeClientOnly {
		t.Fatalf("bootstrap token should be client-only, got %v", access.Shape())
	}
}

func TestBuildAppServesHealthzAndMetrics(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := buildApp(context.Background(), testConfig(), log)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		if path == "/metrics" && !strings.Contains(string(body), "http_in_flight_requests") {
			t.Fatalf("metrics output missing relay collectors")
		}
	}
}

func TestBuildAppRejectsMissingAuthenticationURL(t *testing.T) {
	cfg := testConfig()
	cfg.AuthenticationURL = ""
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := buildApp(context.Background(), cfg, log); err == nil {
		t.Fatalf("expected an error without an authentication URL")
	}
}
