package relayhttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elnormous/contenttype"
	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/identity"
)

// APIVersion is echoed in every envelope.
const APIVersion = "1.0"

var jsonMediaType = contenttype.NewMediaType("application/json")

// envelope is the response body of every JSON endpoint.
type envelope struct {
	APIVersion string          `json:"apiVersion"`
	Method     string          `json:"method,omitempty"`
	URL        string          `json:"url,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Context    string          `json:"context,omitempty"`
	Error      *apiError       `json:"error,omitempty"`

	AuthenticationSession *sessionView `json:"authentication_session,omitempty"`
	Access                *accessView  `json:"access,omitempty"`
	Account               *accountView `json:"account,omitempty"`
	Client                *clientView  `json:"client,omitempty"`
	Token                 string       `json:"token,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Errors  []any  `json:"errors,omitempty"`
}

// inputError is a request problem detected before reaching the registry.
// status defaults to 400.
type inputError struct {
	status  int
	message string
	detail  any
}

func (e *inputError) Error() string { return e.message }

func badRequest(message string, detail any) error {
	return &inputError{message: message, detail: detail}
}

func forbidden(message string) error {
	return &inputError{status: http.StatusForbidden, message: message}
}

// statusFor maps an error onto the HTTP status reported to callers.
func statusFor(err error) int {
	var ie *inputError
	var verrs validation.Errors
	switch {
	case errors.As(err, &ie) && ie.status != 0:
		return ie.status
	case errors.As(err, &ie), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, capability.ErrBadInput):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, capability.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capability.ErrBlocked),
		errors.Is(err, capability.ErrAccountBlocked),
		errors.Is(err, capability.ErrClientBlocked),
		errors.Is(err, capability.ErrScopeMismatch):
		return http.StatusForbidden
	case errors.Is(err, capability.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// toAPIError builds the error member for err. Internal failures never leak
// their message.
func toAPIError(err error) *apiError {
	status := statusFor(err)
	out := &apiError{Code: status}

	var ie *inputError
	var verrs validation.Errors
	switch {
	case errors.As(err, &ie):
		out.Message = ie.message
		if ie.detail != nil {
			out.Errors = []any{ie.detail}
		}
	case errors.As(err, &verrs):
		out.Message = "Bad parameters in request"
		out.Errors = []any{verrs}
	case status == http.StatusUnauthorized:
		out.Message = "Invalid identity assertion"
	case status == http.StatusInternalServerError:
		out.Message = http.StatusText(status)
	default:
		out.Message = capability.Message(err)
		if out.Message == "" {
			out.Message = err.Error()
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSONError emits env with its error member derived from err.
func writeJSONError(w http.ResponseWriter, env envelope, err error) {
	env.APIVersion = APIVersion
	env.Error = toAPIError(err)
	writeJSON(w, env.Error.Code, env)
}
