package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/capability"
)

// Config wires a Completer.
type Config struct {
	Registry *capability.Registry
	Bus      bus.Bus
	Verifier Verifier
	Logger   *slog.Logger
}

// Completer turns verified assertions into accounts, main accesses and
// authenticated events.
type Completer struct {
	reg      *capability.Registry
	bus      bus.Bus
	verifier Verifier
	log      *slog.Logger
}

// New validates cfg and returns a Completer.
func New(cfg Config) (*Completer, error) {
	if cfg.Registry == nil || cfg.Bus == nil || cfg.Verifier == nil {
		return nil, errors.New("identity: registry, bus and verifier are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Completer{reg: cfg.Registry, bus: cfg.Bus, verifier: cfg.Verifier, log: log}, nil
}

// Result describes a completed authentication.
type Result struct {
	Account        *capability.Account
	Access         *capability.Access
	AccountCreated bool
	Event          bus.AuthenticatedEvent
}

// Complete verifies assertion, finds or creates the account named by its
// email, ensures the account's main access and publishes the authenticated
// event.
func (c *Completer) Complete(ctx context.Context, assertion string) (*Result, error) {
	a, err := c.verifier.Verify(ctx, assertion)
	if err != nil {
		c.log.WarnContext(ctx, "identity.verify.fail", slog.String("err", err.Error()))
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if a.State == "" {
		return nil, capability.Errorf(capability.ErrBadInput, "Assertion carries no state")
	}
	if a.ClientID != "" {
		if err := c.checkClient(ctx, a.ClientID); err != nil {
			return nil, err
		}
	}

	account, created, err := c.provision(ctx, a)
	if err != nil {
		return nil, err
	}
	main, _, err := c.reg.EnsureAccess(ctx, account.ID, "")
	if err != nil {
		return nil, err
	}

	ev := bus.AuthenticatedEvent{
		State:             a.State,
		ClientID:          a.ClientID,
		AccessToken:       main.Token,
		SynchronizerToken: a.SynchronizerToken,
		Account: &bus.EventAccount{
			ID:       account.ID,
			Email:    account.Email,
			FullName: account.FullName,
		},
	}
	bus.PublishJSON(ctx, c.bus, c.log, bus.TopicAuthenticated, ev)
	c.log.InfoContext(ctx, "identity.complete.ok",
		slog.String("account_id", account.ID),
		slog.String("client_id", a.ClientID),
		slog.Bool("account_created", created))
	return &Result{Account: account, Access: main, AccountCreated: created, Event: ev}, nil
}

func (c *Completer) checkClient(ctx context.Context, id string) error {
	client, err := c.reg.Store().GetClient(ctx, id)
	if errors.Is(err, capability.ErrNotFound) {
		return capability.Errorf(capability.ErrNotFound, capability.MsgNoClient)
	}
	if err != nil {
		return err
	}
	if client.Blocked {
		return capability.Errorf(capability.ErrClientBlocked, capability.MsgClientBlocked)
	}
	return nil
}

// provision finds the account by email, creating it on first sight. A
// concurrent completion for the same email may win the insert; the loser
// re-reads and updates the winner's row.
func (c *Completer) provision(ctx context.Context, a *Assertion) (*capability.Account, bool, error) {
	email := strings.TrimSpace(a.Email)
	name := strings.TrimSpace(a.Name)
	for attempt := 0; attempt < 2; attempt++ {
		account, err := c.reg.Store().FindAccountByEmail(ctx, email)
		if errors.Is(err, capability.ErrNotFound) {
			now := c.reg.Now()
			account = &capability.Account{Email: email, FullName: name, EmailVerified: &now}
			err = c.reg.CreateAccount(ctx, account)
			if errors.Is(err, capability.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, false, err
			}
			return account, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if account.Blocked {
			return nil, false, capability.Errorf(capability.ErrAccountBlocked, capability.MsgAccountBlocked)
		}
		now := c.reg.Now()
		account.EmailVerified = &now
		if name != "" {
			account.FullName = name
		}
		if _, err := c.reg.SaveAccount(ctx, account); err != nil {
			return nil, false, err
		}
		return account, false, nil
	}
	return nil, false, capability.Errorf(capability.ErrConflict, "Account for %s changed concurrently", email)
}
