// Package httpauth adapts an auth.Authenticator to net/http: a middleware
// that rejects unauthenticated requests with RFC 6750 challenges and a
// handler serving OAuth 2.0 Protected Resource Metadata.
package httpauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/adfs-auth-go/auth"
	"github.com/ggoodman/adfs-auth-go/internal/logctx"
	"github.com/google/uuid"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	requestIDHeader       = "X-Request-ID"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	textMediaType  = contenttype.NewMediaType("text/plain")
	errorMediaType = []contenttype.MediaType{jsonMediaType, textMediaType}
)

// Authenticator is the part of *auth.Authenticator the middleware needs.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (*auth.Identity, error)
}

// Option configures the middleware.
type Option func(*config)

type config struct {
	log   *slog.Logger
	realm string
}

// WithLogger sets the logger. If not provided, logs are discarded. Records
// carry the request and identity attributes; pass the same logger to
// auth.WithLogger so the authenticator's failure lines carry them too.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = slog.New(logctx.Wrap(l.Handler()))
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// (the default) omits the attribute.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// Middleware authenticates every request before passing it to next. The
// resolved identity is available to next through auth.IdentityFromContext.
//
// Failures are answered directly: 401 with a Bearer challenge for missing or
// rejected credentials, 400 for a malformed Authorization header and 500
// when the identity provider or configuration is at fault.
func Middleware(a Authenticator, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
				RequestID:  reqID,
				Method:     r.Method,
				UserAgent:  r.UserAgent(),
				RemoteAddr: r.RemoteAddr,
				Path:       r.URL.Path,
			})

			id, err := a.Authenticate(ctx, r.Header.Get(authorizationHeader))
			if err != nil {
				ch := auth.ChallengeFor(err, cfg.realm)
				if ch.WWWAuthenticate != "" {
					w.Header().Add(wwwAuthenticateHeader, ch.WWWAuthenticate)
				}
				cfg.log.InfoContext(ctx, "auth.fail",
					slog.Int("status", ch.Status),
					slog.String("kind", auth.KindOf(err).String()))
				writeError(w, r, ch.Status, errorMessage(ch.Status, err))
				return
			}

			ctx = auth.WithIdentity(ctx, id)
			ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
				UserID:   id.UserID(),
				TenantID: id.TenantID,
				Guest:    id.Guest,
			})
			cfg.log.InfoContext(ctx, "auth.ok")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func errorMessage(status int, err error) string {
	if status == http.StatusBadRequest {
		return "invalid authorization header"
	}
	return err.Error()
}

// writeError emits {"error":{"code":<status>,"message":"<reason>"}}, or the
// bare message when the client only accepts text/plain.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	mt, _, err := contenttype.GetAcceptableMediaType(r, errorMediaType)
	if err == nil && mt.Matches(textMediaType) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, msg+"\n")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
