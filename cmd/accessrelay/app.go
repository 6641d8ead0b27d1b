package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/access-relay-go/authsession"
	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/bus/memorybus"
	"github.com/ggoodman/access-relay-go/bus/redisbus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/memorystore"
	"github.com/ggoodman/access-relay-go/capability/pgstore"
	"github.com/ggoodman/access-relay-go/capability/redisstore"
	"github.com/ggoodman/access-relay-go/delegation"
	"github.com/ggoodman/access-relay-go/identity"
	"github.com/ggoodman/access-relay-go/internal/metrics"
	"github.com/ggoodman/access-relay-go/relayhttp"
)

// closers releases backend resources in reverse order of acquisition.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cfg Config) (capability.Store, io.Closer, error) {
	switch cfg.Store {
	case backendMemory:
		return memorystore.New(), nopCloser{}, nil
	case backendRedis:
		st := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisPrefix + "store:"})
		return st, st, nil
	case backendPostgres:
		st, err := pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func openBus(cfg Config) (bus.Bus, io.Closer, error) {
	switch cfg.Bus {
	case backendMemory:
		return memorybus.New(), nopCloser{}, nil
	case backendRedis:
		b := redisbus.New(redisbus.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisPrefix + "bus:"})
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q", cfg.Bus)
	}
}

// openRegistry opens the configured store. Callers must Close the
// returned closer.
func openRegistry(ctx context.Context, cfg Config, log *slog.Logger) (*capability.Registry, io.Closer, error) {
	st, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return capability.NewRegistry(st, capability.WithLogger(log)), closer, nil
}

// app is a fully wired relay.
type app struct {
	log      *slog.Logger
	reg      *capability.Registry
	bus      bus.Bus
	sessions *authsession.Manager
	handler  http.Handler
	closers  closers
}

func buildApp(ctx context.Context, cfg Config, log *slog.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			_ = a.closers.Close()
		}
	}()

	reg, storeCloser, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.reg = reg
	a.closers = append(a.closers, storeCloser)

	b, busCloser, err := openBus(cfg)
	if err != nil {
		return nil, err
	}
	a.bus = b
	a.closers = append(a.closers, busCloser)

	var completer *identity.Completer
	authURL := cfg.AuthenticationURL
	if cfg.identityEnabled() {
		verifier, err := identity.NewVerifier(ctx, identity.Source{
			Issuer:   cfg.IdPIssuer,
			Audience: cfg.IdPAudience,
			JWKSURL:  cfg.IdPJWKSURL,
			JWKSFile: cfg.IdPJWKSFile,
		}, identity.WithVerifierLogger(log))
		if err != nil {
			return nil, fmt.Errorf("identity verifier: %w", err)
		}
		a.closers = append(a.closers, verifier)
		if authURL == "" {
			authURL = verifier.AuthorizationEndpoint()
		}
		completer, err = identity.New(identity.Config{Registry: reg, Bus: b, Verifier: verifier, Logger: log})
		if err != nil {
			return nil, err
		}
	}

	a.sessions, err = authsession.New(authsession.Config{
		Registry:          reg,
		Bus:               b,
		AuthenticationURL: authURL,
		ProviderClientID:  cfg.ProviderClientID,
		PublicURL:         cfg.PublicURL,
		TTL:               cfg.SessionTTL,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	deleg, err := delegation.New(delegation.Config{Registry: reg, Sessions: a.sessions, Bus: b, Logger: log})
	if err != nil {
		return nil, err
	}

	opts := []relayhttp.Option{relayhttp.WithLogger(log)}
	if cfg.RateLimit > 0 {
		opts = append(opts, relayhttp.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if len(cfg.Origins) > 0 {
		opts = append(opts, relayhttp.WithOriginPatterns(cfg.Origins...))
	}
	relay, err := relayhttp.New(relayhttp.Config{
		Registry:   reg,
		Sessions:   a.sessions,
		Delegation: deleg,
		Bus:        b,
		Identity:   completer,
		PublicURL:  cfg.PublicURL,
	}, opts...)
	if err != nil {
		return nil, err
	}

	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/", relay)
	a.handler = mux
	return a, nil
}

func (a *app) Close() error { return a.closers.Close() }
