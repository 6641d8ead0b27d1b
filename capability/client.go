package capability

import (
	"slices"
	"time"
)

// Client is a registered application. System clients have no owner.
type Client struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol,omitempty"`
	Name      string    `json:"name"`
	URLName   string    `json:"url_name,omitempty"`
	Words     []string  `json:"words,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Blocked   bool      `json:"blocked,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeAttributes refreshes the derived URLName and Words fields.
func (c *Client) ComputeAttributes() {
	c.URLName = Slugify(c.Name)
	c.Words = Words(c.ID, c.Name)
}

// Clone returns a deep copy of c.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Words = slices.Clone(c.Words)
	return &cp
}

func (c *Client) sameContent(o *Client) bool {
	return c.ID == o.ID &&
		c.Symbol == o.Symbol &&
		c.Name == o.Name &&
		c.URLName == o.URLName &&
		c.OwnerID == o.OwnerID &&
		c.Blocked == o.Blocked &&
		slices.Equal(c.Words, o.Words)
}
