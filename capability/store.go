package capability

import (
	"context"
	"sort"
	"time"
)

// Store persists capability documents. Implementations must enforce these
// unique indexes and report violations with ErrConflict:
//
//	Account.Email
//	Client.Symbol (when non-empty)
//	(Client.OwnerID, Client.URLName)
//	Access.Token
//	Access.PairKey() (when non-empty)
//	AuthenticationSession.Token
//
// Lookups that find nothing return an error wrapping ErrNotFound. Returned
// documents are owned by the caller; mutating them does not affect the
// store until they are written back.
type Store interface {
	InsertAccount(ctx context.Context, a *Account) error
	UpdateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
	DeleteAccount(ctx context.Context, id string) error

	InsertClient(ctx context.Context, c *Client) error
	UpdateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	FindClientBySymbol(ctx context.Context, symbol string) (*Client, error)
	FindClientByOwnerURLName(ctx context.Context, ownerID, urlName string) (*Client, error)
	DeleteClient(ctx context.Context, id string) error

	InsertAccess(ctx context.Context, a *Access) error
	UpdateAccess(ctx context.Context, a *Access) error
	GetAccess(ctx context.Context, id string) (*Access, error)
	FindAccessByToken(ctx context.Context, token string) (*Access, error)
	// FindAccesses returns matching accesses, most recently updated first.
	FindAccesses(ctx context.Context, f AccessFilter) ([]*Access, error)
	DeleteAccess(ctx context.Context, id string) error
	// DeleteExpiredAccesses removes every non-blocked access whose
	// expiration is strictly before now and reports how many were removed.
	// Blocked accesses stay as blocklist entries until their account or
	// client is deleted.
	DeleteExpiredAccesses(ctx context.Context, now time.Time) (int, error)

	InsertSession(ctx context.Context, s *AuthenticationSession) error
	FindSessionByToken(ctx context.Context, token string) (*AuthenticationSession, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

type matchMode uint8

const (
	matchAny matchMode = iota
	matchAbsent
	matchEqual
)

// Match is a predicate on an optional reference field. The zero value
// matches anything.
type Match struct {
	mode  matchMode
	value string
}

// Any matches every value, including empty.
func Any() Match { return Match{} }

// Absent matches only the empty value.
func Absent() Match { return Match{mode: matchAbsent} }

// Equal matches exactly v. Equal("") is the same as Absent().
func Equal(v string) Match {
	if v == "" {
		return Absent()
	}
	return Match{mode: matchEqual, value: v}
}

// IsAny reports whether m places no constraint.
func (m Match) IsAny() bool { return m.mode == matchAny }

// IsAbsent reports whether m requires an empty value.
func (m Match) IsAbsent() bool { return m.mode == matchAbsent }

// Value returns the required value and true when m is an equality match.
func (m Match) Value() (string, bool) { return m.value, m.mode == matchEqual }

// Matches reports whether v satisfies m.
func (m Match) Matches(v string) bool {
	switch m.mode {
	case matchAbsent:
		return v == ""
	case matchEqual:
		return v == m.value
	default:
		return true
	}
}

// AccessFilter selects accesses for Store.FindAccesses.
type AccessFilter struct {
	AccountID Match
	ClientID  Match
	// Token, when set, restricts results to that token.
	Token string
	// ExcludeBlocked drops blocked accesses.
	ExcludeBlocked bool
	// ExcludeExpiring drops accesses that carry an expiration.
	ExcludeExpiring bool
	// Limit caps the number of results; zero means no cap.
	Limit int
}

// Matches reports whether a satisfies f (Limit is not considered).
func (f AccessFilter) Matches(a *Access) bool {
	if !f.AccountID.Matches(a.AccountID) || !f.ClientID.Matches(a.ClientID) {
		return false
	}
	if f.Token != "" && a.Token != f.Token {
		return false
	}
	if f.ExcludeBlocked && a.Blocked {
		return false
	}
	if f.ExcludeExpiring && a.Expiration != nil {
		return false
	}
	return true
}

// ApplyAccessFilter filters, orders and truncates candidates according to
// f. Backends that cannot express a filter natively use it on a superset.
func ApplyAccessFilter(candidates []*Access, f AccessFilter) []*Access {
	out := make([]*Access, 0, len(candidates))
	for _, a := range candidates {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	SortAccesses(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortAccesses orders accesses by UpdatedAt descending, then ID descending.
func SortAccesses(as []*Access) {
	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].UpdatedAt.Equal(as[j].UpdatedAt) {
			return as[i].UpdatedAt.After(as[j].UpdatedAt)
		}
		return as[i].ID > as[j].ID
	})
}
