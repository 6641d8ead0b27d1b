package main

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// Backend names accepted by --store and --bus.
const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// Config is the process configuration. Every field is read from its
// ACCESS_RELAY_* variable first; command line flags override.
type Config struct {
	Listen            string        `env:"ACCESS_RELAY_LISTEN,default=:8080"`
	PublicURL         string        `env:"ACCESS_RELAY_PUBLIC_URL,default=http://localhost:8080"`
	AuthenticationURL string        `env:"ACCESS_RELAY_AUTHENTICATION_URL"`
	ProviderClientID  string        `env:"ACCESS_RELAY_PROVIDER_CLIENT_ID"`
	SessionTTL        time.Duration `env:"ACCESS_RELAY_SESSION_TTL,default=4h"`

	Store       string `env:"ACCESS_RELAY_STORE,default=memory"`
	Bus         string `env:"ACCESS_RELAY_BUS,default=memory"`
	RedisAddr   string `env:"ACCESS_RELAY_REDIS_ADDR,default=localhost:6379"`
	RedisPrefix string `env:"ACCESS_RELAY_REDIS_PREFIX,default=accessrelay:"`
	PostgresDSN string `env:"ACCESS_RELAY_PG_DSN"`

	IdPIssuer   string `env:"ACCESS_RELAY_IDP_ISSUER"`
	IdPJWKSURL  string `env:"ACCESS_RELAY_IDP_JWKS_URL"`
	IdPJWKSFile string `env:"ACCESS_RELAY_IDP_JWKS_FILE"`
	IdPAudience string `env:"ACCESS_RELAY_IDP_AUDIENCE"`

	RateLimit float64  `env:"ACCESS_RELAY_RATE_LIMIT,default=10"`
	RateBurst int      `env:"ACCESS_RELAY_RATE_BURST,default=20"`
	Origins   []string `env:"ACCESS_RELAY_ORIGINS"`
	LogLevel  string   `env:"ACCESS_RELAY_LOG_LEVEL,default=info"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// bindBackendFlags registers the flags every command that opens the store
// needs.
func bindBackendFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Store, "store", cfg.Store, "capability store backend: memory, redis or postgres")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis store and bus")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "key and channel prefix in Redis")
	fs.StringVar(&cfg.PostgresDSN, "pg-dsn", cfg.PostgresDSN, "PostgreSQL DSN for the postgres store")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
}

func bindServeFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "externally visible base URL")
	fs.StringVar(&cfg.AuthenticationURL, "authentication-url", cfg.AuthenticationURL, "identity provider authorization endpoint (discovered when empty)")
	fs.StringVar(&cfg.ProviderClientID, "provider-client-id", cfg.ProviderClientID, "client id of this relay at the identity provider")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "lifetime of an unconsumed authentication session")
	fs.StringVar(&cfg.Bus, "bus", cfg.Bus, "event bus backend: memory or redis")
	fs.StringVar(&cfg.IdPIssuer, "idp-issuer", cfg.IdPIssuer, "identity provider issuer")
	fs.StringVar(&cfg.IdPJWKSURL, "idp-jwks-url", cfg.IdPJWKSURL, "identity provider JWKS URL")
	fs.StringVar(&cfg.IdPJWKSFile, "idp-jwks-file", cfg.IdPJWKSFile, "identity provider JWKS file, reloaded on change")
	fs.StringVar(&cfg.IdPAudience, "idp-audience", cfg.IdPAudience, "expected audience of identity assertions; enables /api/1/authenticated")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "POST requests per second per client IP (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "rate limiter burst")
	fs.StringSliceVar(&cfg.Origins, "origin", cfg.Origins, "allowed WebSocket origin pattern (repeatable)")
}

// identityEnabled reports whether the identity callback should be served.
func (c Config) identityEnabled() bool { return c.IdPAudience != "" }

func (c Config) Validate() error {
	dsnRules := []validation.Rule{}
	if c.Store == backendPostgres {
		dsnRules = append(dsnRules, validation.Required.Error("is required for the postgres store"))
	}
	issuerRules := []validation.Rule{is.URL}
	if c.identityEnabled() && c.IdPJWKSURL == "" && c.IdPJWKSFile == "" {
		issuerRules = append(issuerRules, validation.Required.Error("is required to discover signing keys"))
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Store, validation.Required, validation.In(backendMemory, backendRedis, backendPostgres)),
		validation.Field(&c.Bus, validation.Required, validation.In(backendMemory, backendRedis)),
		validation.Field(&c.PostgresDSN, dsnRules...),
		validation.Field(&c.PublicURL, validation.Required, is.URL),
		validation.Field(&c.AuthenticationURL, is.URL),
		validation.Field(&c.IdPIssuer, issuerRules...),
		validation.Field(&c.IdPJWKSURL, is.URL),
		validation.Field(&c.SessionTTL, validation.Min(time.Minute)),
		validation.Field(&c.RateLimit, validation.Min(0.0)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

func (c Config) slogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
