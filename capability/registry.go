package capability

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/access-relay-go/internal/ids"
)

// Option configures a Registry.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *newConfig) { c.now = now }
}

// Registry applies the domain rules of the capability graph on top of a
// Store.
type Registry struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewRegistry wraps store.
func NewRegistry(store Store, opts ...Option) *Registry {
	cfg := &newConfig{logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(cfg)
	}
	return &Registry{store: store, log: cfg.logger, now: cfg.now}
}

// Store returns the underlying store.
func (r *Registry) Store() Store { return r.store }

// Now returns the registry clock, truncated to milliseconds so values
// survive every backend unchanged.
func (r *Registry) Now() time.Time { return r.now().UTC().Truncate(time.Millisecond) }

// --- Accounts ---

// CreateAccount assigns an ID, timestamps and derived attributes to a and
// inserts it.
func (r *Registry) CreateAccount(ctx context.Context, a *Account) error {
	a.Email = strings.TrimSpace(a.Email)
	if a.Email == "" {
		return Errorf(ErrBadInput, "Email is required")
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := r.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.ComputeAttributes()
	return r.store.InsertAccount(ctx, a)
}

// SaveAccount inserts a new account or updates an existing one. It
// reports false without writing when nothing but timestamps would change.
func (r *Registry) SaveAccount(ctx context.Context, a *Account) (bool, error) {
	if a.ID == "" {
		return true, r.CreateAccount(ctx, a)
	}
	existing, err := r.store.GetAccount(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		return true, r.CreateAccount(ctx, a)
	}
	if err != nil {
		return false, err
	}
	a.ComputeAttributes()
	if a.sameContent(existing) {
		a.CreatedAt, a.UpdatedAt = existing.CreatedAt, existing.UpdatedAt
		return false, nil
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = r.Now()
	if err := r.store.UpdateAccount(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveAccount looks an account up by ID when ref is an identifier and
// by email otherwise.
func (r *Registry) ResolveAccount(ctx context.Context, ref string) (*Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, Errorf(ErrBadInput, "Missing account")
	}
	if ids.IsID(ref) {
		acc, err := r.store.GetAccount(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return nil, Errorf(ErrNotFound, MsgNoAccount)
		}
		return acc, err
	}
	acc, err := r.store.FindAccountByEmail(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, Errorf(ErrNotFound, MsgNoAccountForEmail)
	}
	return acc, err
}

// DeleteAccount removes the account and every access that references it.
// Dependent deletions are best effort: failures are logged and skipped.
func (r *Registry) DeleteAccount(ctx context.Context, id string) error {
	deps, err := r.store.FindAccesses(ctx, AccessFilter{AccountID: Equal(id)})
	if err != nil {
		return err
	}
	r.deleteAccesses(ctx, deps, "account", id)
	return r.store.DeleteAccount(ctx, id)
}

// --- Clients ---

// CreateClient assigns an ID, timestamps and derived attributes to c and
// inserts it.
func (r *Registry) CreateClient(ctx context.Context, c *Client) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Errorf(ErrBadInput, "Client name is required")
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := r.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.ComputeAttributes()
	return r.store.InsertClient(ctx, c)
}

// SaveClient inserts or updates c, reporting whether anything changed.
func (r *Registry) SaveClient(ctx context.Context, c *Client) (bool, error) {
	if c.ID == "" {
		return true, r.CreateClient(ctx, c)
	}
	existing, err := r.store.GetClient(ctx, c.ID)
	if errors.Is(err, ErrNotFound) {
		return true, r.CreateClient(ctx, c)
	}
	if err != nil {
		return false, err
	}
	c.ComputeAttributes()
	if c.sameContent(existing) {
		c.CreatedAt, c.UpdatedAt = existing.CreatedAt, existing.UpdatedAt
		return false, nil
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = r.Now()
	if err := r.store.UpdateClient(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteClient removes the client and every access that references it.
func (r *Registry) DeleteClient(ctx context.Context, id string) error {
	deps, err := r.store.FindAccesses(ctx, AccessFilter{ClientID: Equal(id)})
	if err != nil {
		return err
	}
	r.deleteAccesses(ctx, deps, "client", id)
	return r.store.DeleteClient(ctx, id)
}

// --- Accesses ---

// CreateAccess fills in token, ID and timestamps and inserts a.
func (r *Registry) CreateAccess(ctx context.Context, a *Access) error {
	if a.Token == "" {
		a.Token = ids.Token()
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := r.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	return r.store.InsertAccess(ctx, a)
}

// SaveAccess inserts or updates a, reporting whether anything changed.
func (r *Registry) SaveAccess(ctx context.Context, a *Access) (bool, error) {
	if a.ID == "" {
		return true, r.CreateAccess(ctx, a)
	}
	if err := a.Validate(); err != nil {
		return false, err
	}
	existing, err := r.store.GetAccess(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		return true, r.CreateAccess(ctx, a)
	}
	if err != nil {
		return false, err
	}
	if a.sameContent(existing) {
		a.CreatedAt, a.UpdatedAt = existing.CreatedAt, existing.UpdatedAt
		return false, nil
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = r.Now()
	if err := r.store.UpdateAccess(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

// BlockAccess blocklists a. A blocked access leaves the pair index, so a
// fresh access for the same pair may be created afterwards.
func (r *Registry) BlockAccess(ctx context.Context, a *Access) error {
	a.Blocked = true
	_, err := r.SaveAccess(ctx, a)
	return err
}

// maxEnsureAttempts bounds the find/insert loop in EnsureAccess.
const maxEnsureAttempts = 4

// EnsureAccess returns the live permanent access for (accountID, clientID),
// creating it when none exists. Concurrent callers converge on one row:
// the loser of the insert race observes ErrConflict and re-reads.
func (r *Registry) EnsureAccess(ctx context.Context, accountID, clientID string) (*Access, bool, error) {
	filter := AccessFilter{
		AccountID:       Equal(accountID),
		ClientID:        Equal(clientID),
		ExcludeBlocked:  true,
		ExcludeExpiring: true,
		Limit:           1,
	}
	var lastErr error
	for attempt := 0; attempt < maxEnsureAttempts; attempt++ {
		found, err := r.store.FindAccesses(ctx, filter)
		if err != nil {
			return nil, false, err
		}
		if len(found) > 0 {
			return found[0], false, nil
		}
		a := &Access{AccountID: accountID, ClientID: clientID}
		err = r.CreateAccess(ctx, a)
		if err == nil {
			return a, true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, false, err
		}
		lastErr = err
		r.log.DebugContext(ctx, "access.ensure.conflict",
			slog.String("account_id", accountID),
			slog.String("client_id", clientID),
			slog.Int("attempt", attempt+1))
	}
	return nil, false, lastErr
}

// FindMainAccess returns the most recently updated client-less access
// carrying token.
func (r *Registry) FindMainAccess(ctx context.Context, token string) (*Access, error) {
	if err := r.SweepExpiredAccesses(ctx); err != nil {
		return nil, err
	}
	found, err := r.store.FindAccesses(ctx, AccessFilter{
		ClientID:       Absent(),
		Token:          token,
		ExcludeBlocked: true,
		Limit:          1,
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, Errorf(ErrNotFound, MsgNoAccess)
	}
	return found[0], nil
}

// SweepExpiredAccesses deletes accesses whose expiration has passed.
func (r *Registry) SweepExpiredAccesses(ctx context.Context) error {
	n, err := r.store.DeleteExpiredAccesses(ctx, r.Now())
	if err != nil {
		r.log.ErrorContext(ctx, "access.sweep.fail", slog.String("err", err.Error()))
		return err
	}
	if n > 0 {
		r.log.InfoContext(ctx, "access.sweep.ok", slog.Int("removed", n))
	}
	return nil
}

// SweepExpiredSessions deletes authentication sessions whose expiration
// has passed.
func (r *Registry) SweepExpiredSessions(ctx context.Context) error {
	n, err := r.store.DeleteExpiredSessions(ctx, r.Now())
	if err != nil {
		r.log.ErrorContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
		return err
	}
	if n > 0 {
		r.log.InfoContext(ctx, "session.sweep.ok", slog.Int("removed", n))
	}
	return nil
}

func (r *Registry) deleteAccesses(ctx context.Context, deps []*Access, parentKind, parentID string) {
	for _, a := range deps {
		if err := r.store.DeleteAccess(ctx, a.ID); err != nil && !errors.Is(err, ErrNotFound) {
			r.log.WarnContext(ctx, "cascade.access.delete.fail",
				slog.String("parent", parentKind),
				slog.String("parent_id", parentID),
				slog.String("access_id", a.ID),
				slog.String("err", err.Error()))
		}
	}
}
