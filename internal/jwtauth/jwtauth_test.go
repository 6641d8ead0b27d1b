package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/authorize",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T, kid string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

const testAudience = "relay"

func baseConfig(issuer string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{testAudience}
	cfg.Leeway = 0
	return cfg
}

func assertionClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                issuer,
		"sub":                "idp|123",
		"aud":                testAudience,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"email":              "dana@example.com",
		"name":               "Dana Scully",
		"state":              "session-token",
		"client_id":          "01J00000000000000000000000",
		"synchronizer_token": "sync",
	}
}

func TestVerifier_Discovery(t *testing.T) {
	pk, jwks := genRSA(t, "k1")
	idp := newMockOIDC(t, jwks, nil)
	defer idp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, baseConfig(idp.issuer))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close()
	if v.AuthorizationEndpoint() != idp.issuer+"/authorize" {
		t.Fatalf("authorization endpoint = %q", v.AuthorizationEndpoint())
	}

	a, err := v.Verify(ctx, signToken(t, pk, "k1", assertionClaims(idp.issuer)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.Subject != "idp|123" || a.Email != "dana@example.com" || a.Name != "Dana Scully" {
		t.Fatalf("identity claims = %+v", a)
	}
	if a.State != "session-token" || a.ClientID == "" || a.SynchronizerToken != "sync" {
		t.Fatalf("flow claims = %+v", a)
	}
	var raw struct {
		Email string `json:"email"`
	}
	if err := a.Claims(&raw); err != nil || raw.Email != a.Email {
		t.Fatalf("claims roundtrip: %+v %v", raw, err)
	}
}

func TestVerifier_DiscoveryMissingJWKS(t *testing.T) {
	_, jwks := genRSA(t, "k1")
	idp := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer idp.Close()
	if _, err := NewFromDiscovery(context.Background(), baseConfig(idp.issuer)); err == nil {
		t.Fatalf("expected error due to missing jwks_uri")
	}
}

func TestVerifier_Rejections(t *testing.T) {
	pk, jwks := genRSA(t, "k1")
	other, _ := genRSA(t, "k1")
	idp := newMockOIDC(t, jwks, nil)
	defer idp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, baseConfig(idp.issuer), idp.issuer+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close()

	cases := []struct {
		name   string
		key    *rsa.PrivateKey
		mutate func(jwt.MapClaims)
	}{
		{"wrong key", other, func(jwt.MapClaims) {}},
		{"issuer mismatch", pk, func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{"audience mismatch", pk, func(c jwt.MapClaims) { c["aud"] = "someone-else" }},
		{"expired", pk, func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }},
		{"missing exp", pk, func(c jwt.MapClaims) { delete(c, "exp") }},
		{"missing sub", pk, func(c jwt.MapClaims) { delete(c, "sub") }},
		{"missing email", pk, func(c jwt.MapClaims) { delete(c, "email") }},
		{"iat in future", pk, func(c jwt.MapClaims) { c["iat"] = time.Now().Add(time.Hour).Unix() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := assertionClaims(idp.issuer)
			tc.mutate(claims)
			_, err := v.Verify(ctx, signToken(t, tc.key, "k1", claims))
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}

	t.Run("audience array", func(t *testing.T) {
		claims := assertionClaims(idp.issuer)
		claims["aud"] = []string{"https://other", testAudience}
		if _, err := v.Verify(ctx, signToken(t, pk, "k1", claims)); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := v.Verify(ctx, ""); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func TestVerifier_StaticRequiresAudience(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Issuer = "https://idp.example.com"
	if _, err := NewStatic(context.Background(), cfg, "https://idp.example.com/keys"); err == nil {
		t.Fatalf("expected error without audiences")
	}
}

func TestVerifier_FileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwks.json")
	pk1, jwks1 := genRSA(t, "k1")
	pk2, jwks2 := genRSA(t, "k2")
	if err := os.WriteFile(path, jwks1, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	issuer := "https://idp.example.com"
	v, err := NewFromFile(ctx, baseConfig(issuer), path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close()

	if _, err := v.Verify(ctx, signToken(t, pk1, "k1", assertionClaims(issuer))); err != nil {
		t.Fatalf("verify with initial key: %v", err)
	}
	tok2 := signToken(t, pk2, "k2", assertionClaims(issuer))
	if _, err := v.Verify(ctx, tok2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("rotated key accepted before reload: %v", err)
	}

	tmp := filepath.Join(dir, "jwks.json.tmp")
	if err := os.WriteFile(tmp, jwks2, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := v.Verify(ctx, tok2)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rotated key not picked up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestVerifier_FileMissing(t *testing.T) {
	_, err := NewFromFile(context.Background(), baseConfig("https://idp.example.com"), filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
