package relayhttp

import (
	"time"

	"github.com/ggoodman/access-relay-go/authsession"
	"github.com/ggoodman/access-relay-go/capability"
)

// Timestamps are rendered as milliseconds since the Unix epoch.

type accountView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FullName      string `json:"full_name,omitempty"`
	EmailVerified int64  `json:"email_verified,omitempty"`
	URLName       string `json:"url_name,omitempty"`
	Blocked       bool   `json:"blocked,omitempty"`
	Updated       int64  `json:"updated"`
}

type clientView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol,omitempty"`
	URLName string `json:"url_name,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
	Updated int64  `json:"updated"`
}

type accessView struct {
	ID         string       `json:"id"`
	Token      string       `json:"token"`
	AccountID  string       `json:"account_id,omitempty"`
	ClientID   string       `json:"client_id,omitempty"`
	Expiration int64        `json:"expiration,omitempty"`
	Updated    int64        `json:"updated"`
	Account    *accountView `json:"account,omitempty"`
	Client     *clientView  `json:"client,omitempty"`
}

type sessionView struct {
	Token        string `json:"token"`
	Expiration   int64  `json:"expiration"`
	URL          string `json:"url"`
	WebSocketURL string `json:"websocket_url"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func newAccountView(a *capability.Account) *accountView {
	if a == nil {
		return nil
	}
	v := &accountView{
		ID:       a.ID,
		Email:    a.Email,
		FullName: a.FullName,
		URLName:  a.URLName,
		Blocked:  a.Blocked,
		Updated:  millis(a.UpdatedAt),
	}
	if a.EmailVerified != nil {
		v.EmailVerified = millis(*a.EmailVerified)
	}
	return v
}

func newClientView(c *capability.Client) *clientView {
	if c == nil {
		return nil
	}
	return &clientView{
		ID:      c.ID,
		Name:    c.Name,
		Symbol:  c.Symbol,
		URLName: c.URLName,
		OwnerID: c.OwnerID,
		Blocked: c.Blocked,
		Updated: millis(c.UpdatedAt),
	}
}

func newAccessView(a *capability.Access) *accessView {
	v := &accessView{
		ID:        a.ID,
		Token:     a.Token,
		AccountID: a.AccountID,
		ClientID:  a.ClientID,
		Updated:   millis(a.UpdatedAt),
		Account:   newAccountView(a.CachedAccount()),
		Client:    newClientView(a.CachedClient()),
	}
	if a.Expiration != nil {
		v.Expiration = millis(*a.Expiration)
	}
	return v
}

func newSessionView(o *authsession.Opened) *sessionView {
	return &sessionView{
		Token:        o.Session.Token,
		Expiration:   millis(o.Session.Expiration),
		URL:          o.URL,
		WebSocketURL: o.WebSocketURL,
	}
}
