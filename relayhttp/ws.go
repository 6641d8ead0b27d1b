package relayhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/delegation"
)

const writeTimeout = 10 * time.Second

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// originAllowed applies the same Origin rules websocket.Accept enforces,
// so that a handshake it would refuse is rejected before any session is
// claimed.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(r.Host, u.Host) {
		return true
	}
	for _, pattern := range h.origins {
		target := u.Host
		if strings.Contains(pattern, "://") {
			target = u.Scheme + "://" + u.Host
		}
		if ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(target)); err == nil && ok {
			return true
		}
	}
	return false
}

// pathOrQuery returns the {name} path value, falling back to the query
// parameter of the same name.
func pathOrQuery(r *http.Request, name string) string {
	if v := r.PathValue(name); v != "" {
		return v
	}
	return r.URL.Query().Get(name)
}

func (h *Handler) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	env := h.newEnvelope(r)
	h.log.InfoContext(ctx, "http.ws.start", slog.String("kind", delegation.KindSession))

	if !isWebSocketUpgrade(r) {
		h.fail(ctx, w, env, badRequest("Expected a WebSocket handshake", nil))
		return
	}
	if !h.originAllowed(r) {
		h.fail(ctx, w, env, forbidden("Origin not allowed"))
		return
	}
	token := pathOrQuery(r, "token")
	if token == "" {
		h.fail(ctx, w, env, badRequest("Bad parameters in request", map[string]string{"token": "cannot be blank"}))
		return
	}
	l, err := h.delegation.ListenSession(ctx, token)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	h.serveListener(ctx, w, r, l)
}

func (h *Handler) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	env := h.newEnvelope(r)
	h.log.InfoContext(ctx, "http.ws.start", slog.String("kind", delegation.KindClient))

	if !isWebSocketUpgrade(r) {
		h.fail(ctx, w, env, badRequest("Expected a WebSocket handshake", nil))
		return
	}
	if !h.originAllowed(r) {
		h.fail(ctx, w, env, forbidden("Origin not allowed"))
		return
	}
	token := pathOrQuery(r, "access_token")
	if token == "" {
		h.fail(ctx, w, env, badRequest("Bad parameters in request", map[string]string{"access_token": "cannot be blank"}))
		return
	}
	l, err := h.delegation.ListenClient(ctx, token)
	if err != nil {
		h.fail(ctx, w, env, err)
		return
	}
	h.serveListener(ctx, w, r, l)
}

// serveListener upgrades the connection and writes every frame l yields.
// The listener is stopped when the peer goes away; a listener that
// finishes on its own closes the socket normally.
func (h *Handler) serveListener(ctx context.Context, w http.ResponseWriter, r *http.Request, l *delegation.Listener) {
	defer l.Close()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.WarnContext(ctx, "ws.accept.fail", slog.String("err", err.Error()))
		return
	}
	defer c.CloseNow()

	peer := c.CloseRead(ctx)
	for {
		select {
		case <-peer.Done():
			h.log.InfoContext(ctx, "ws.peer.gone")
			return
		case frame, ok := <-l.Frames():
			if !ok {
				err := l.Err()
				if errors.Is(err, capability.ErrClientBlocked) || errors.Is(err, capability.ErrNotFound) {
					h.log.InfoContext(ctx, "ws.client.revoked", slog.String("err", err.Error()))
					_ = c.Close(websocket.StatusPolicyViolation, capability.Message(err))
					return
				}
				if err != nil {
					h.log.ErrorContext(ctx, "ws.listener.fail", slog.String("err", err.Error()))
					_ = c.Close(websocket.StatusInternalError, "listener failed")
					return
				}
				_ = c.Close(websocket.StatusNormalClosure, "")
				h.log.InfoContext(ctx, "ws.close.ok")
				return
			}
			wctx, cancel := context.WithTimeout(peer, writeTimeout)
			err := c.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.log.WarnContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				}
				return
			}
			h.log.InfoContext(ctx, "ws.message.deliver")
		}
	}
}
