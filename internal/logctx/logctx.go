// Package logctx attaches request-scoped attributes to slog records.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and adds the request and auth data stored in
// the record's context.
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

	if ad, ok := ctx.Value(authDataKey{}).(*AuthData); ok {
		r.AddAttrs(slog.Group("auth",
			slog.String("user_id", ad.UserID),
			slog.String("tenant_id", ad.TenantID),
			slog.Bool("guest", ad.Guest),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// Wrap returns h wrapped in a Handler, or h itself when it already is one.
func Wrap(h slog.Handler) slog.Handler {
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{Handler: h}
}

// WithAttrs keeps the wrapper in place for derived handlers.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the wrapper in place for derived handlers.
func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
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

// RequestDataFrom returns the request data stored by WithRequestData.
func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}

type authDataKey struct{}

type AuthData struct {
	UserID   string
	TenantID string
	Guest    bool
}

func WithAuthData(ctx context.Context, data *AuthData) context.Context {
	return context.WithValue(ctx, authDataKey{}, data)
}
