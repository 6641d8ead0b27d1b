package relayhttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ggoodman/access-relay-go/authsession"
	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/delegation"
	"github.com/ggoodman/access-relay-go/identity"
	"github.com/ggoodman/access-relay-go/internal/logctx"
	"github.com/ggoodman/access-relay-go/internal/metrics"
)

var _ http.Handler = (*Handler)(nil)

// Config wires a Handler.
type Config struct {
	Registry   *capability.Registry
	Sessions   *authsession.Manager
	Delegation *delegation.Service
	Bus        bus.Bus
	// Identity is optional. Without it the identity callback is not served
	// and the provider is expected to publish authenticated events itself.
	Identity *identity.Completer
	// PublicURL, when set, is used to render absolute request URLs in
	// envelopes. Otherwise they are derived from the request.
	PublicURL string
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	ratePerSecond  float64
	rateBurst      int
	maxBodyBytes   int64
	originPatterns []string
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRateLimit applies a per client IP token bucket to the JSON API.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *newConfig) { c.ratePerSecond, c.rateBurst = perSecond, burst }
}

// WithMaxBodyBytes caps JSON request bodies. Defaults to 64 KiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithOriginPatterns lists cross-origin hosts allowed to open WebSocket
// channels, in path.Match syntax.
func WithOriginPatterns(patterns ...string) Option {
	return func(c *newConfig) { c.originPatterns = append(c.originPatterns, patterns...) }
}

// Handler serves the relay API.
type Handler struct {
	log        *slog.Logger
	reg        *capability.Registry
	sessions   *authsession.Manager
	delegation *delegation.Service
	identity   *identity.Completer
	bus        bus.Bus
	publicURL  *url.URL
	maxBody    int64
	origins    []string
	schemas    map[string][]byte

	accessAny *capability.TokenResolver[*capability.Access]
	accessCli *capability.TokenResolver[*capability.Access]
	root      http.Handler
}

// New builds a Handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	if cfg.Registry == nil || cfg.Sessions == nil || cfg.Delegation == nil || cfg.Bus == nil {
		return nil, errors.New("relayhttp: registry, sessions, delegation and bus are required")
	}
	nc := &newConfig{logger: slog.Default(), maxBodyBytes: 64 << 10}
	for _, opt := range opts {
		opt(nc)
	}

	h := &Handler{
		log:        slog.New(logctx.Handler{Handler: nc.logger.Handler()}),
		reg:        cfg.Registry,
		sessions:   cfg.Sessions,
		delegation: cfg.Delegation,
		identity:   cfg.Identity,
		bus:        cfg.Bus,
		maxBody:    nc.maxBodyBytes,
		origins:    nc.originPatterns,
		accessAny:  capability.NewAccessResolver(cfg.Registry, capability.ScopeAny),
		accessCli:  capability.NewAccessResolver(cfg.Registry, capability.ScopeClient),
	}
	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("relayhttp: invalid public url %q", cfg.PublicURL)
		}
		h.publicURL = u
	}
	schemas, err := buildSchemas()
	if err != nil {
		return nil, err
	}
	h.schemas = schemas

	limit := func(next http.HandlerFunc) http.Handler { return next }
	if nc.ratePerSecond > 0 {
		rl := newRateLimiter(nc.ratePerSecond, nc.rateBurst)
		limit = func(next http.HandlerFunc) http.Handler { return rl.wrap(next) }
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/1/authentication-sessions", limit(h.handleOpenSession))
	mux.Handle("POST /api/1/accesses", limit(h.handleUpsertAccess))
	mux.Handle("POST /api/1/clients", limit(h.handleUpsertClient))
	if h.identity != nil {
		mux.Handle("POST /api/1/authenticated", limit(h.handleAuthenticated))
	}
	mux.HandleFunc("GET /api/1/schemas/{name}", h.handleSchema)
	mux.HandleFunc("GET /ws/1/authentication/{token}", h.handleSessionSocket)
	mux.HandleFunc("GET /ws/1/authentication", h.handleSessionSocket)
	mux.HandleFunc("GET /ws/1/authentications/{access_token}", h.handleClientSocket)
	mux.HandleFunc("GET /ws/1/authentications", h.handleClientSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.root = metrics.Instrument(mux)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       redactPath(r.URL.Path),
	})))
}

// redactPath hides tokens carried in WebSocket paths.
func redactPath(p string) string {
	for _, prefix := range []string{"/ws/1/authentication/", "/ws/1/authentications/"} {
		if strings.HasPrefix(p, prefix) && len(p) > len(prefix) {
			return prefix + "…"
		}
	}
	return p
}

// requestURL renders the absolute URL of r for envelopes.
func (h *Handler) requestURL(r *http.Request) string {
	if h.publicURL != nil {
		return h.publicURL.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery}).String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}).String()
}
