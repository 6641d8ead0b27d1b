package relayhttp

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const maxContextLen = 1024

var symbolPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// OpenSessionRequest is the body of POST /api/1/authentication-sessions.
type OpenSessionRequest struct {
	AccessToken       string `json:"access_token" jsonschema:"required,format=uuid,description=Client-only access token"`
	SynchronizerToken string `json:"synchronizer_token" jsonschema:"required,format=uuid,description=Anti-forgery token echoed in the outcome"`
	Context           string `json:"context,omitempty" jsonschema:"description=Opaque caller value echoed in the response"`
}

func (r OpenSessionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AccessToken, validation.Required, is.UUID),
		validation.Field(&r.SynchronizerToken, validation.Required, is.UUID),
		validation.Field(&r.Context, validation.Length(0, maxContextLen)),
	)
}

// UpsertAccessRequest is the body of POST /api/1/accesses.
type UpsertAccessRequest struct {
	AccessToken string `json:"access_token" jsonschema:"required,format=uuid,description=Token of an access bound to the granting client"`
	Account     string `json:"account" jsonschema:"required,description=Account ID or email"`
	Context     string `json:"context,omitempty"`
}

func (r UpsertAccessRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AccessToken, validation.Required, is.UUID),
		validation.Field(&r.Account, validation.Required, validation.Length(1, 254)),
		validation.Field(&r.Context, validation.Length(0, maxContextLen)),
	)
}

// UpsertClientRequest is the body of POST /api/1/clients.
type UpsertClientRequest struct {
	AccessToken string `json:"access_token" jsonschema:"required,format=uuid,description=Token of an access bound to the owning account"`
	Name        string `json:"name" jsonschema:"required,maxLength=200"`
	Symbol      string `json:"symbol,omitempty" jsonschema:"maxLength=64"`
	Blocked     bool   `json:"blocked,omitempty"`
	Context     string `json:"context,omitempty"`
}

func (r UpsertClientRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AccessToken, validation.Required, is.UUID),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Symbol, validation.Length(0, 64), validation.Match(symbolPattern)),
		validation.Field(&r.Context, validation.Length(0, maxContextLen)),
	)
}

// AuthenticatedRequest is the body of POST /api/1/authenticated.
type AuthenticatedRequest struct {
	Assertion string `json:"assertion" jsonschema:"required,description=Signed identity assertion issued by the identity provider"`
	Context   string `json:"context,omitempty"`
}

func (r AuthenticatedRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Assertion, validation.Required),
		validation.Field(&r.Context, validation.Length(0, maxContextLen)),
	)
}
