package capability

import (
	"context"
	"errors"
	"strings"
)

// UpsertAccess grants the account identified by accountRef (an ID or an
// email) a permanent access to the client of grantor. The returned access
// has its account and client references populated.
func (r *Registry) UpsertAccess(ctx context.Context, grantor *Access, accountRef string) (*Access, bool, error) {
	if grantor.ClientID == "" {
		return nil, false, Errorf(ErrScopeMismatch, MsgExpectedClient)
	}
	client, err := grantor.Client(ctx, r.store)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, Errorf(ErrNotFound, MsgNoClient)
		}
		return nil, false, err
	}
	if client.Blocked {
		return nil, false, Errorf(ErrClientBlocked, MsgClientBlocked)
	}
	account, err := r.ResolveAccount(ctx, accountRef)
	if err != nil {
		return nil, false, err
	}
	if account.Blocked {
		return nil, false, Errorf(ErrAccountBlocked, MsgAccountBlocked)
	}
	access, created, err := r.EnsureAccess(ctx, account.ID, client.ID)
	if err != nil {
		return nil, false, err
	}
	access.SetAccount(account)
	access.SetClient(client)
	return access, created, nil
}

// ClientInput carries the caller-supplied fields of UpsertClient.
type ClientInput struct {
	Name string
	// Symbol replaces the stored symbol when non-empty.
	Symbol  string
	Blocked bool
}

// ClientUpsert is the outcome of UpsertClient.
type ClientUpsert struct {
	Client        *Client
	Created       bool
	Updated       bool
	Access        *Access
	AccessCreated bool
}

// UpsertClient creates or updates the client named in.Name owned by the
// account of owner, then ensures that client has a client-only access.
func (r *Registry) UpsertClient(ctx context.Context, owner *Access, in ClientInput) (*ClientUpsert, error) {
	if owner.AccountID == "" {
		return nil, Errorf(ErrScopeMismatch, MsgExpectedAccount)
	}
	account, err := owner.Account(ctx, r.store)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Errorf(ErrNotFound, MsgNoAccount)
		}
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, Errorf(ErrBadInput, "Client name is required")
	}

	out := &ClientUpsert{}
	client, err := r.store.FindClientByOwnerURLName(ctx, account.ID, Slugify(name))
	switch {
	case errors.Is(err, ErrNotFound):
		client = &Client{Name: name, Symbol: in.Symbol, OwnerID: account.ID, Blocked: in.Blocked}
		if err := r.CreateClient(ctx, client); err != nil {
			return nil, err
		}
		out.Created = true
	case err != nil:
		return nil, err
	default:
		client.Name = name
		if in.Symbol != "" {
			client.Symbol = in.Symbol
		}
		client.Blocked = in.Blocked
		changed, err := r.SaveClient(ctx, client)
		if err != nil {
			return nil, err
		}
		out.Updated = changed
	}
	out.Client = client

	access, created, err := r.EnsureAccess(ctx, "", client.ID)
	if err != nil {
		return nil, err
	}
	access.SetClient(client)
	out.Access = access
	out.AccessCreated = created
	return out, nil
}
