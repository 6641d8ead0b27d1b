// Package jwtauth verifies identity assertions signed by an external
// identity provider. Keys come from OIDC discovery, a static JWKS URL, or a
// local JWKS file that is reloaded when it changes on disk.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls assertion validation.
type Config struct {
	Issuer string
	// ExpectedAudiences lists the accepted audiences. An assertion must
	// name at least one of them.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	Logger            *slog.Logger
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) check() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// ErrUnauthorized indicates that the assertion failed validation (signature,
// issuer, audience, exp/nbf or a required claim).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Assertion is a verified identity assertion.
type Assertion struct {
	Subject           string
	Email             string
	Name              string
	State             string
	ClientID          string
	SynchronizerToken string
	IssuedAt          time.Time

	claims jwt.MapClaims
}

// Claims decodes the raw claim set into ref.
func (a *Assertion) Claims(ref any) error {
	b, err := json.Marshal(a.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier checks assertions against a key source.
type Verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
	closers []func() error

	authorizationEndpoint string
}

// AuthorizationEndpoint is the provider's authorization endpoint when the
// verifier was built from discovery, and "" otherwise.
func (v *Verifier) AuthorizationEndpoint() string { return v.authorizationEndpoint }

// Close releases background resources such as file watchers.
func (v *Verifier) Close() error {
	var errs []error
	for _, c := range v.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func newVerifier(cfg *Config, kf jwt.Keyfunc) *Verifier {
	return &Verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}
}

// NewFromDiscovery performs OIDC discovery on cfg.Issuer and verifies
// assertions against the advertised jwks_uri. Keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string `json:"issuer"`
		JwksURI       string `json:"jwks_uri"`
		Authorization string `json:"authorization_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	missing := []string{}
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.Authorization == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	v := newVerifier(cfg, kf.Keyfunc)
	v.authorizationEndpoint = meta.Authorization
	return v, nil
}

// Verify validates tok and extracts the identity claims. The assertion
// must carry sub and email.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Assertion, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty assertion", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	a := &Assertion{claims: claims}
	a.Subject, _ = claims["sub"].(string)
	a.Email, _ = claims["email"].(string)
	a.Name, _ = claims["name"].(string)
	a.State, _ = claims["state"].(string)
	a.ClientID, _ = claims["client_id"].(string)
	a.SynchronizerToken, _ = claims["synchronizer_token"].(string)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		if iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
		a.IssuedAt = iat.Time
	}
	if a.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	if a.Email == "" {
		return nil, fmt.Errorf("%w: missing email", ErrUnauthorized)
	}
	return a, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
