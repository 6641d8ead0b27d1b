// Package logctx decorates slog records with request-scoped attributes
// carried on the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler adds the req, session and listener groups found on the record's
// context before delegating to the wrapped handler.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("session",
			slog.String("token", redact(sd.Token)),
			slog.String("client_id", sd.ClientID),
		))
	}

	if ld, ok := ctx.Value(listenerDataKey{}).(*ListenerData); ok {
		r.AddAttrs(slog.Group("listener",
			slog.String("kind", ld.Kind),
			slog.String("client_id", ld.ClientID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// redact keeps only a short prefix of a bearer token.
func redact(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the authentication session a log line concerns.
type SessionData struct {
	Token    string
	ClientID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type listenerDataKey struct{}

// ListenerData identifies the delegation listener a log line comes from.
type ListenerData struct {
	Kind     string
	ClientID string
}

func WithListenerData(ctx context.Context, data *ListenerData) context.Context {
	return context.WithValue(ctx, listenerDataKey{}, data)
}
