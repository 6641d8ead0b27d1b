package relayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/internal/logctx"
	"github.com/ggoodman/access-relay-go/internal/metrics"
)

type validatable interface {
	Validate() error
}

// newEnvelope seeds the envelope members every response carries.
func (h *Handler) newEnvelope(r *http.Request) envelope {
	return envelope{APIVersion: APIVersion, Method: r.URL.Path, URL: h.requestURL(r)}
}

// decode reads a JSON object body into dst and validates it. The raw
// object is returned whenever it parsed so that failures can echo it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst validatable) (json.RawMessage, error) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return nil, badRequest(fmt.Sprintf("Bad content-type: %s", r.Header.Get("Content-Type")), nil)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest("Request body too large", nil)
		}
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, badRequest("Invalid JSON in request POST body", "Expected a JSON object")
	}
	params := json.RawMessage(body)
	if err := json.Unmarshal(body, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return params, badRequest("Bad parameters in request", map[string]string{
				typeErr.Field: fmt.Sprintf("must be a %s", typeErr.Type.Kind()),
			})
		}
		return params, badRequest("Invalid JSON in request POST body", err.Error())
	}
	return params, dst.Validate()
}

// resolve runs resolver on token and records the outcome.
func (h *Handler) resolve(ctx context.Context, resolver *capability.TokenResolver[*capability.Access], token string) (*capability.Access, error) {
	a, err := resolver.Resolve(ctx, token)
	metrics.TokenResolutions.WithLabelValues(capability.Outcome(err)).Inc()
	return a, err
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, env envelope, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http.request.fail", slog.Int("status", status), slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(ctx, "http.request.reject", slog.Int("status", status), slog.String("err", err.Error()))
	}
	writeJSONError(w, env, err)
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	env := h.newEnvelope(r)
	h.log.InfoContext(ctx, "http.post.start")

	var req OpenSessionRequest
	params, err := h.decode(w, r, &req)
	env.Params, env.Context = params, req.Context
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	grant, err := h.resolve(ctx, h.accessCli, req.AccessToken)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	opened, err := h.sessions.Open(ctx, grant, req.SynchronizerToken)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: opened.Session.Token, ClientID: opened.Session.ClientID})
	env.AuthenticationSession = newSessionView(opened)
	writeJSON(w, http.StatusOK, env)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleUpsertAccess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	env := h.newEnvelope(r)
	h.log.InfoContext(ctx, "http.post.start")

	var req UpsertAccessRequest
	params, err := h.decode(w, r, &req)
	env.Params, env.Context = params, req.Context
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	grant, err := h.resolve(ctx, h.accessAny, req.AccessToken)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	access, created, err := h.reg.UpsertAccess(ctx, grant, req.Account)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	if created {
		bus.PublishJSON(ctx, h.bus, h.log, bus.TopicAccessCreated, bus.AccessCreatedEvent{
			ID:        access.ID,
			AccountID: access.AccountID,
			ClientID:  access.ClientID,
		})
	}
	env.Access = newAccessView(access)
	writeJSON(w, http.StatusOK, env)
	h.log.InfoContext(ctx, "http.post.ok", slog.Bool("created", created), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleUpsertClient(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	env := h.newEnvelope(r)
	h.log.InfoContext(ctx, "http.post.start")

	var req UpsertClientRequest
	params, err := h.decode(w, r, &req)
	env.Params, env.Context = params, req.Context
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	owner, err := h.resolve(ctx, h.accessAny, req.AccessToken)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	res, err := h.reg.UpsertClient(ctx, owner, capability.ClientInput{
		Name:    req.Name,
		Symbol:  req.Symbol,
		Blocked: req.Blocked,
	})
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}

	clientEv := bus.ClientEvent{
		ID:      res.Client.ID,
		Name:    res.Client.Name,
		Symbol:  res.Client.Symbol,
		OwnerID: res.Client.OwnerID,
		Blocked: res.Client.Blocked,
	}
	switch {
	case res.Created:
		bus.PublishJSON(ctx, h.bus, h.log, bus.TopicClientCreated, clientEv)
	case res.Updated:
		bus.PublishJSON(ctx, h.bus, h.log, bus.TopicClientUpdated, clientEv)
	}
	if res.AccessCreated {
		bus.PublishJSON(ctx, h.bus, h.log, bus.TopicAccessCreated, bus.AccessCreatedEvent{
			ID:       res.Access.ID,
			ClientID: res.Access.ClientID,
		})
	}

	env.Client = newClientView(res.Client)
	env.Token = res.Access.Token
	writeJSON(w, http.StatusOK, env)
	h.log.InfoContext(ctx, "http.post.ok",
		slog.Bool("created", res.Created),
		slog.Bool("updated", res.Updated),
		slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleAuthenticated(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	env := h.newEnvelope(r)
	h.log.InfoContext(ctx, "http.post.start")

	var req AuthenticatedRequest
	_, err := h.decode(w, r, &req)
	// The assertion is a credential; never echo it back.
	env.Context = req.Context
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	res, err := h.identity.Complete(ctx, req.Assertion)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	env.Account = newAccountView(res.Account)
	writeJSON(w, http.StatusOK, env)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}
