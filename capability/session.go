package capability

import (
	"context"
	"time"
)

// AuthenticationSession is a one-time, short-lived record created before an
// identity-provider redirect. Token doubles as the OAuth "state" value.
type AuthenticationSession struct {
	ID                string    `json:"id"`
	Token             string    `json:"token"`
	ClientID          string    `json:"client_id"`
	SynchronizerToken string    `json:"synchronizer_token,omitempty"`
	Expiration        time.Time `json:"expiration"`
	CreatedAt         time.Time `json:"created_at"`

	client *Client
}

// Expired reports whether the session expiration is before now.
func (s *AuthenticationSession) Expired(now time.Time) bool {
	return s.Expiration.Before(now)
}

// Clone returns a copy of s without its cached client.
func (s *AuthenticationSession) Clone() *AuthenticationSession {
	if s == nil {
		return nil
	}
	c := *s
	c.client = nil
	return &c
}

// SetClient binds c as the cached client and sets ClientID.
func (s *AuthenticationSession) SetClient(c *Client) {
	s.client = c
	if c != nil {
		s.ClientID = c.ID
	}
}

// Client resolves the session's client, loading it from st on first use.
func (s *AuthenticationSession) Client(ctx context.Context, st Store) (*Client, error) {
	if s.client != nil && s.client.ID == s.ClientID {
		return s.client, nil
	}
	c, err := st.GetClient(ctx, s.ClientID)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}
