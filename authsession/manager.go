package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/internal/ids"
	"github.com/ggoodman/access-relay-go/internal/metrics"
)

// DefaultTTL is the lifetime of a session that is never consumed.
const DefaultTTL = 4 * time.Hour

// MsgNoSession is returned when a token names no live session.
const MsgNoSession = "No authentication session with given token"

// Config wires a Manager.
type Config struct {
	Registry *capability.Registry
	Bus      bus.Bus
	// AuthenticationURL is the identity provider authorization endpoint.
	AuthenticationURL string
	// ProviderClientID is this relay's client id at the identity provider.
	ProviderClientID string
	// PublicURL is the externally visible base URL of the relay.
	PublicURL string
	// TTL defaults to DefaultTTL.
	TTL    time.Duration
	Logger *slog.Logger
}

// Manager opens and consumes authentication sessions.
type Manager struct {
	reg      *capability.Registry
	bus      bus.Bus
	log      *slog.Logger
	authURL  *url.URL
	publicWS *url.URL
	clientID string
	ttl      time.Duration
	resolver *capability.TokenResolver[*capability.AuthenticationSession]
}

// New validates cfg and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("authsession: registry is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("authsession: bus is required")
	}
	authURL, err := url.Parse(cfg.AuthenticationURL)
	if err != nil || authURL.Scheme == "" || authURL.Host == "" {
		return nil, fmt.Errorf("authsession: invalid authentication url %q", cfg.AuthenticationURL)
	}
	publicWS, err := websocketBase(cfg.PublicURL)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		reg:      cfg.Registry,
		bus:      cfg.Bus,
		log:      cfg.Logger,
		authURL:  authURL,
		publicWS: publicWS,
		clientID: cfg.ProviderClientID,
		ttl:      cfg.TTL,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	m.resolver = capability.NewTokenResolver(cfg.Registry.SweepExpiredSessions, m.lookup, m.checkClient)
	return m, nil
}

func websocketBase(public string) (*url.URL, error) {
	u, err := url.Parse(public)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("authsession: invalid public url %q", public)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("authsession: unsupported public url scheme %q", u.Scheme)
	}
	u.RawQuery, u.Fragment = "", ""
	return u, nil
}

// Opened is the result of Open.
type Opened struct {
	Session *capability.AuthenticationSession
	// URL is where the user agent must be redirected.
	URL string
	// WebSocketURL is the push channel that delivers the outcome.
	WebSocketURL string
}

// Open starts an authentication session for the client identified by
// clientAccess, which must be a client-only access.
func (m *Manager) Open(ctx context.Context, clientAccess *capability.Access, synchronizerToken string) (*Opened, error) {
	if clientAccess.Shape() != capability.ShapeClientOnly {
		return nil, capability.Errorf(capability.ErrScopeMismatch, capability.MsgExpectedClient)
	}
	synchronizerToken = strings.TrimSpace(synchronizerToken)
	if synchronizerToken == "" {
		return nil, capability.Errorf(capability.ErrBadInput, "Missing synchronizer token")
	}
	if err := m.reg.SweepExpiredSessions(ctx); err != nil {
		return nil, err
	}

	now := m.reg.Now()
	sess := &capability.AuthenticationSession{
		ID:                ids.New(),
		Token:             ids.Token(),
		ClientID:          clientAccess.ClientID,
		SynchronizerToken: synchronizerToken,
		CreatedAt:         now,
		Expiration:        now.Add(m.ttl),
	}
	if c := clientAccess.CachedClient(); c != nil {
		sess.SetClient(c)
	}
	if err := m.reg.Store().InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsOpened.Inc()
	m.log.InfoContext(ctx, "session.open.ok",
		slog.String("client_id", sess.ClientID),
		slog.Time("expiration", sess.Expiration))

	bus.PublishJSON(ctx, m.bus, m.log, bus.TopicAuthenticationSessionCreated, bus.SessionCreatedEvent{
		Token:      sess.Token,
		ClientID:   sess.ClientID,
		Expiration: sess.Expiration.UnixMilli(),
	})

	return &Opened{
		Session:      sess,
		URL:          m.RedirectURL(sess.Token),
		WebSocketURL: m.WebSocketURL(sess.Token),
	}, nil
}

// RedirectURL returns the identity provider URL carrying token as state.
func (m *Manager) RedirectURL(token string) string {
	u := *m.authURL
	q := u.Query()
	q.Set("client_id", m.clientID)
	q.Set("state", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// WebSocketURL returns the push channel URL for token.
func (m *Manager) WebSocketURL(token string) string {
	return m.publicWS.JoinPath("ws", "1", "authentication", token).String()
}

// Consume returns the live session carrying token without deleting it.
func (m *Manager) Consume(ctx context.Context, token string) (*capability.AuthenticationSession, error) {
	return m.resolver.Resolve(ctx, token)
}

// Delete removes s. It fails with ErrNotFound when s is already gone.
func (m *Manager) Delete(ctx context.Context, s *capability.AuthenticationSession) error {
	if err := m.reg.Store().DeleteSession(ctx, s.ID); err != nil {
		if errors.Is(err, capability.ErrNotFound) {
			return capability.Errorf(capability.ErrNotFound, MsgNoSession)
		}
		return err
	}
	return nil
}

// Claim consumes and deletes the session carrying token. Of several
// concurrent claims for one token exactly one succeeds.
func (m *Manager) Claim(ctx context.Context, token string) (*capability.AuthenticationSession, error) {
	sess, err := m.Consume(ctx, token)
	if err == nil {
		err = m.Delete(ctx, sess)
	}
	switch {
	case err == nil:
		metrics.SessionsClaimed.WithLabelValues("ok").Inc()
		m.log.InfoContext(ctx, "session.claim.ok", slog.String("client_id", sess.ClientID))
		return sess, nil
	case errors.Is(err, capability.ErrNotFound):
		metrics.SessionsClaimed.WithLabelValues("not_found").Inc()
	default:
		metrics.SessionsClaimed.WithLabelValues("error").Inc()
		m.log.ErrorContext(ctx, "session.claim.fail", slog.String("err", err.Error()))
	}
	return nil, err
}

// Converter exposes Consume for the request validation layer.
func (m *Manager) Converter() capability.Converter[*capability.AuthenticationSession] {
	return m.resolver.Converter()
}

func (m *Manager) lookup(ctx context.Context, token string) (*capability.AuthenticationSession, error) {
	sess, err := m.reg.Store().FindSessionByToken(ctx, token)
	if errors.Is(err, capability.ErrNotFound) {
		return nil, capability.Errorf(capability.ErrNotFound, MsgNoSession)
	}
	return sess, err
}

func (m *Manager) checkClient(ctx context.Context, s *capability.AuthenticationSession) error {
	c, err := s.Client(ctx, m.reg.Store())
	if errors.Is(err, capability.ErrNotFound) {
		return capability.Errorf(capability.ErrNotFound, capability.MsgNoClient)
	}
	if err != nil {
		return err
	}
	if c.Blocked {
		return capability.Errorf(capability.ErrClientBlocked, capability.MsgClientBlocked)
	}
	return nil
}
