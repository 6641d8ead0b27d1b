package delegation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/access-relay-go/authsession"
	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/internal/logctx"
	"github.com/ggoodman/access-relay-go/internal/metrics"
)

// Listener kinds, used as metric labels and in logs.
const (
	KindSession = "session"
	KindClient  = "client"
)

// Config wires a Service.
type Config struct {
	Registry *capability.Registry
	Sessions *authsession.Manager
	Bus      bus.Bus
	Logger   *slog.Logger
}

// Service opens delegation listeners.
type Service struct {
	reg      *capability.Registry
	sessions *authsession.Manager
	bus      bus.Bus
	log      *slog.Logger
	clients  *capability.TokenResolver[*capability.Access]
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil || cfg.Sessions == nil || cfg.Bus == nil {
		return nil, errors.New("delegation: registry, sessions and bus are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		reg:      cfg.Registry,
		sessions: cfg.Sessions,
		bus:      cfg.Bus,
		log:      log,
		clients:  capability.NewAccessResolver(cfg.Registry, capability.ScopeClient),
	}, nil
}

// ListenSession claims the authentication session carrying token and
// starts a listener that emits the matching authentication result once.
// The session is deleted once the subscription is open, so a token can
// back at most one channel and a failed subscribe leaves it usable.
// Errors are returned before any listener starts.
func (s *Service) ListenSession(ctx context.Context, token string) (*Listener, error) {
	if _, err := s.sessions.Consume(ctx, token); err != nil {
		return nil, err
	}
	sub, err := s.bus.Subscribe(ctx, bus.TopicAuthenticated)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Claim(ctx, token)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: sess.Token, ClientID: sess.ClientID})
	ctx = logctx.WithListenerData(ctx, &logctx.ListenerData{Kind: KindSession, ClientID: sess.ClientID})
	s.log.InfoContext(ctx, "listener.start")
	return startListener(ctx, KindSession, sub, s.log, func(ctx context.Context, msg bus.Message) ([]byte, bool, error) {
		frame, ok := s.matchSession(ctx, sess, msg)
		return frame, ok, nil
	}), nil
}

func (s *Service) matchSession(ctx context.Context, sess *capability.AuthenticationSession, msg bus.Message) ([]byte, bool) {
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		s.log.WarnContext(ctx, "listener.event.invalid", slog.String("err", err.Error()))
		return nil, false
	}
	if ev.str(fieldState) != sess.Token {
		return nil, false
	}
	if st := ev.str(fieldSynchronizerToken); st != "" && st != sess.SynchronizerToken {
		s.log.WarnContext(ctx, "listener.synchronizer.mismatch")
		return nil, false
	}
	delete(ev, fieldAccessToken)
	frame, err := ev.encode()
	if err != nil {
		s.log.ErrorContext(ctx, "listener.encode.fail", slog.String("err", err.Error()))
		return nil, false
	}
	s.log.InfoContext(ctx, "listener.match")
	return frame, true
}

// ListenClient resolves accessToken as a client-only access and starts a
// listener that relays every authentication addressed to that client,
// rewritten to carry a derived access token.
func (s *Service) ListenClient(ctx context.Context, accessToken string) (*Listener, error) {
	grant, err := s.clients.Resolve(ctx, accessToken)
	metrics.TokenResolutions.WithLabelValues(capability.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	client, err := grant.Client(ctx, s.reg.Store())
	if err != nil {
		return nil, err
	}
	sub, err := s.bus.Subscribe(ctx, bus.TopicAuthenticated)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithListenerData(ctx, &logctx.ListenerData{Kind: KindClient, ClientID: client.ID})
	s.log.InfoContext(ctx, "listener.start")
	return startListener(ctx, KindClient, sub, s.log, func(ctx context.Context, msg bus.Message) ([]byte, bool, error) {
		frame, err := s.delegate(ctx, client, msg)
		return frame, false, err
	}), nil
}

// delegate relays msg when it is addressed to client. It fails only when
// the client itself is no longer usable, which ends the channel.
func (s *Service) delegate(ctx context.Context, client *capability.Client, msg bus.Message) ([]byte, error) {
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		s.log.WarnContext(ctx, "listener.event.invalid", slog.String("err", err.Error()))
		return nil, nil
	}
	if ev.str(fieldClientID) != client.ID {
		return nil, nil
	}
	derived, err := s.Delegate(ctx, ev.str(fieldAccessToken), client.ID)
	switch {
	case errors.Is(err, capability.ErrClientBlocked), isMissingClient(err):
		s.log.WarnContext(ctx, "listener.client.revoked", slog.String("err", err.Error()))
		return nil, err
	case err != nil:
		s.log.WarnContext(ctx, "listener.delegate.fail", slog.String("err", err.Error()))
		return nil, nil
	}
	ev.setStr(fieldAccessToken, derived.Token)
	frame, err := ev.encode()
	if err != nil {
		s.log.ErrorContext(ctx, "listener.encode.fail", slog.String("err", err.Error()))
		return nil, nil
	}
	s.log.InfoContext(ctx, "listener.match", slog.String("access_id", derived.ID))
	return frame, nil
}

func isMissingClient(err error) bool {
	return errors.Is(err, capability.ErrNotFound) && capability.Message(err) == capability.MsgNoClient
}

// Delegate finds the main access carrying mainToken and returns the live
// derived access binding its account to clientID, creating it if needed.
// The client is re-read on every call so that blocking or deleting it
// stops further delegation.
func (s *Service) Delegate(ctx context.Context, mainToken, clientID string) (*capability.Access, error) {
	client, err := s.reg.Store().GetClient(ctx, clientID)
	if errors.Is(err, capability.ErrNotFound) {
		return nil, capability.Errorf(capability.ErrNotFound, capability.MsgNoClient)
	}
	if err != nil {
		return nil, err
	}
	if client.Blocked {
		return nil, capability.Errorf(capability.ErrClientBlocked, capability.MsgClientBlocked)
	}
	if mainToken == "" {
		return nil, capability.Errorf(capability.ErrBadInput, "Missing access token")
	}
	main, err := s.reg.FindMainAccess(ctx, mainToken)
	if err != nil {
		return nil, err
	}
	account, err := main.Account(ctx, s.reg.Store())
	if err != nil {
		return nil, err
	}
	if account.Blocked {
		return nil, capability.Errorf(capability.ErrAccountBlocked, capability.MsgAccountBlocked)
	}
	derived, created, err := s.reg.EnsureAccess(ctx, account.ID, clientID)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.Delegations.WithLabelValues("created").Inc()
		bus.PublishJSON(ctx, s.bus, s.log, bus.TopicAccessCreated, bus.AccessCreatedEvent{
			ID:        derived.ID,
			AccountID: derived.AccountID,
			ClientID:  derived.ClientID,
		})
	} else {
		metrics.Delegations.WithLabelValues("reused").Inc()
	}
	return derived, nil
}
