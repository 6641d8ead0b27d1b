package capability

import (
	"slices"
	"time"
)

// Account is an end-user identity, keyed by a unique email.
type Account struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	FullName      string     `json:"full_name,omitempty"`
	EmailVerified *time.Time `json:"email_verified,omitempty"`
	Blocked       bool       `json:"blocked,omitempty"`
	URLName       string     `json:"url_name,omitempty"`
	Words         []string   `json:"words,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ComputeAttributes refreshes the derived URLName and Words fields.
func (a *Account) ComputeAttributes() {
	a.URLName = Slugify(a.FullName)
	a.Words = Words(a.ID, a.Email, a.FullName)
}

// Clone returns a deep copy of a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Words = slices.Clone(a.Words)
	if a.EmailVerified != nil {
		v := *a.EmailVerified
		c.EmailVerified = &v
	}
	return &c
}

// sameContent reports whether a and b differ only in timestamps.
func (a *Account) sameContent(b *Account) bool {
	return a.ID == b.ID &&
		a.Email == b.Email &&
		a.FullName == b.FullName &&
		a.Blocked == b.Blocked &&
		a.URLName == b.URLName &&
		timePtrEqual(a.EmailVerified, b.EmailVerified) &&
		slices.Equal(a.Words, b.Words)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
