package capability

import (
	"context"
	"time"
)

// Shape classifies an Access by which of its references are set.
type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeClientOnly
	ShapeAccountBound
	ShapeAccountOnly
)

func (s Shape) String() string {
	switch s {
	case ShapeClientOnly:
		return "client-only"
	case ShapeAccountBound:
		return "account-bound"
	case ShapeAccountOnly:
		return "account-only"
	default:
		return "invalid"
	}
}

// Access is a bearer capability. Token is the secret presented by callers.
type Access struct {
	ID         string     `json:"id"`
	Token      string     `json:"token"`
	AccountID  string     `json:"account_id,omitempty"`
	ClientID   string     `json:"client_id,omitempty"`
	Expiration *time.Time `json:"expiration,omitempty"`
	Blocked    bool       `json:"blocked,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	account *Account
	client  *Client
}

// Shape reports the access shape.
func (a *Access) Shape() Shape {
	switch {
	case a.AccountID == "" && a.ClientID != "":
		return ShapeClientOnly
	case a.AccountID != "" && a.ClientID != "":
		return ShapeAccountBound
	case a.AccountID != "" && a.ClientID == "":
		return ShapeAccountOnly
	default:
		return ShapeInvalid
	}
}

// Permanent reports whether the access never expires.
func (a *Access) Permanent() bool { return a.Expiration == nil }

// Expired reports whether the access has an expiration before now.
func (a *Access) Expired(now time.Time) bool {
	return a.Expiration != nil && a.Expiration.Before(now)
}

// PairKey is the value of the unique (account, client) index. It is empty
// for blocked or expiring accesses, which are therefore exempt.
func (a *Access) PairKey() string {
	if a.Blocked || a.Expiration != nil {
		return ""
	}
	return a.AccountID + ":" + a.ClientID
}

// Validate checks the structural invariants of a.
func (a *Access) Validate() error {
	if a.Token == "" {
		return Errorf(ErrBadInput, "Access token is required")
	}
	if a.Shape() == ShapeInvalid {
		return Errorf(ErrBadInput, "Access must reference an account or a client")
	}
	return nil
}

// Clone returns a copy of a without its cached references.
func (a *Access) Clone() *Access {
	if a == nil {
		return nil
	}
	c := *a
	if a.Expiration != nil {
		e := *a.Expiration
		c.Expiration = &e
	}
	c.account = nil
	c.client = nil
	return &c
}

// SetAccount binds acc as the cached account reference. A nil acc clears
// both the reference and AccountID.
func (a *Access) SetAccount(acc *Account) {
	a.account = acc
	if acc == nil {
		a.AccountID = ""
		return
	}
	a.AccountID = acc.ID
}

// SetClient binds c as the cached client reference. A nil c clears both
// the reference and ClientID.
func (a *Access) SetClient(c *Client) {
	a.client = c
	if c == nil {
		a.ClientID = ""
		return
	}
	a.ClientID = c.ID
}

// CachedAccount returns the cached account without touching the store.
func (a *Access) CachedAccount() *Account {
	if a.account != nil && a.account.ID == a.AccountID {
		return a.account
	}
	return nil
}

// CachedClient returns the cached client without touching the store.
func (a *Access) CachedClient() *Client {
	if a.client != nil && a.client.ID == a.ClientID {
		return a.client
	}
	return nil
}

// Account resolves the referenced account, loading it from s on first use.
// It returns (nil, nil) for client-only accesses.
func (a *Access) Account(ctx context.Context, s Store) (*Account, error) {
	if a.AccountID == "" {
		return nil, nil
	}
	if acc := a.CachedAccount(); acc != nil {
		return acc, nil
	}
	acc, err := s.GetAccount(ctx, a.AccountID)
	if err != nil {
		return nil, err
	}
	a.account = acc
	return acc, nil
}

// Client resolves the referenced client, loading it from s on first use.
// It returns (nil, nil) for account-only accesses.
func (a *Access) Client(ctx context.Context, s Store) (*Client, error) {
	if a.ClientID == "" {
		return nil, nil
	}
	if c := a.CachedClient(); c != nil {
		return c, nil
	}
	c, err := s.GetClient(ctx, a.ClientID)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *Access) sameContent(b *Access) bool {
	return a.ID == b.ID &&
		a.Token == b.Token &&
		a.AccountID == b.AccountID &&
		a.ClientID == b.ClientID &&
		a.Blocked == b.Blocked &&
		timePtrEqual(a.Expiration, b.Expiration)
}
