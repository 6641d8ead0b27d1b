package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/access-relay-go/internal/jwtauth"
)

// Assertion is a verified identity assertion.
type Assertion = jwtauth.Assertion

// Verifier checks a signed assertion. Implementations return an error
// wrapping ErrUnauthorized for assertions that fail validation.
type Verifier interface {
	Verify(ctx context.Context, assertion string) (*Assertion, error)
}

// ErrUnauthorized indicates the assertion was missing, malformed or not
// signed by the configured provider.
var ErrUnauthorized = jwtauth.ErrUnauthorized

// Source selects where verification keys come from. Exactly one of
// JWKSFile, JWKSURL or discovery on Issuer is used, in that order of
// preference.
type Source struct {
	Issuer   string
	Audience string
	JWKSURL  string
	JWKSFile string
}

// VerifierOption configures optional validation knobs.
type VerifierOption func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) VerifierOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) VerifierOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts further audiences besides Source.Audience.
func WithAdditionalAudiences(auds ...string) VerifierOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, auds...)
	}
}

// WithVerifierLogger sets the logger used for key reload events.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(c *jwtauth.Config) { c.Logger = l }
}

// ProviderVerifier is a Verifier backed by an identity provider's keys.
type ProviderVerifier interface {
	Verifier
	// AuthorizationEndpoint is the provider's authorization endpoint when
	// learned from discovery, or "".
	AuthorizationEndpoint() string
	Close() error
}

// NewVerifier builds a ProviderVerifier for src.
func NewVerifier(ctx context.Context, src Source, opts ...VerifierOption) (ProviderVerifier, error) {
	if src.Audience == "" {
		return nil, errors.New("identity: audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = src.Issuer
	cfg.ExpectedAudiences = []string{src.Audience}
	for _, opt := range opts {
		opt(cfg)
	}
	var (
		v   *jwtauth.Verifier
		err error
	)
	switch {
	case src.JWKSFile != "":
		v, err = jwtauth.NewFromFile(ctx, cfg, src.JWKSFile)
	case src.JWKSURL != "":
		v, err = jwtauth.NewStatic(ctx, cfg, src.JWKSURL)
	default:
		v, err = jwtauth.NewFromDiscovery(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

var _ ProviderVerifier = (*jwtauth.Verifier)(nil)
