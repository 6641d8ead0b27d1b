package bus

// AuthenticatedEvent is the body of TopicAuthenticated. State is the
// authentication session token the flow was started with.
type AuthenticatedEvent struct {
	State             string        `json:"state"`
	ClientID          string        `json:"client_id"`
	AccessToken       string        `json:"access_token,omitempty"`
	SynchronizerToken string        `json:"synchronizer_token,omitempty"`
	Account           *EventAccount `json:"account,omitempty"`
}

// EventAccount is the public projection of an account carried in events.
type EventAccount struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// SessionCreatedEvent is the body of TopicAuthenticationSessionCreated.
type SessionCreatedEvent struct {
	Token      string `json:"token"`
	ClientID   string `json:"client_id"`
	Expiration int64  `json:"expiration"`
}

// AccessCreatedEvent is the body of TopicAccessCreated.
type AccessCreatedEvent struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// ClientEvent is the body of TopicClientCreated and TopicClientUpdated.
type ClientEvent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
}
