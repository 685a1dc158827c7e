package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/adfs-auth-go/internal/claims"
	"github.com/ggoodman/adfs-auth-go/internal/logctx"
	"github.com/ggoodman/adfs-auth-go/internal/provider"
	"github.com/ggoodman/adfs-auth-go/internal/tokenvalidator"
	"github.com/ggoodman/adfs-auth-go/storage"
)

// Option configures an Authenticator.
type Option func(*options)

type options struct {
	log    *slog.Logger
	client *http.Client
	cache  storage.Storage
	now    func() time.Time
}

// WithLogger sets the logger for failures and provider events. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithHTTPClient sets the client used for discovery and key fetches. It takes
// precedence over Settings.CABundle.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithSharedCache shares fetched signing keys with other processes through s,
// typically a redis storage.
func WithSharedCache(s storage.Storage) Option {
	return func(o *options) { o.cache = s }
}

// WithClock overrides the time source for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Authenticator resolves bearer tokens to identities. It is safe for
// concurrent use; Reload may run while requests are being authenticated.
type Authenticator struct {
	opts      options
	handle    *provider.Handle
	validator *tokenvalidator.Validator
}

// New resolves the provider described by s, including metadata discovery,
// and returns an Authenticator for it. Signing keys are fetched lazily.
func New(ctx context.Context, s Settings, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{opts: options{log: slog.Default()}}
	for _, opt := range opts {
		opt(&a.opts)
	}
	a.opts.log = slog.New(logctx.Wrap(a.opts.log.Handler()))
	a.validator = tokenvalidator.New(tokenvalidator.WithClock(a.opts.now))

	popts, err := a.providerOptions(s)
	if err != nil {
		return nil, a.fail(ctx, "auth.init.fail", "", err)
	}
	h, err := provider.NewHandle(ctx, popts)
	if err != nil {
		return nil, a.fail(ctx, "auth.init.fail", "", err)
	}
	a.handle = h
	return a, nil
}

// Reload switches to new settings. Requests already in flight finish against
// the configuration they started with. If s is invalid or its provider cannot
// be reached the current configuration stays in effect.
func (a *Authenticator) Reload(ctx context.Context, s Settings) error {
	popts, err := a.providerOptions(s)
	if err != nil {
		return a.fail(ctx, "auth.reload.fail", a.handle.Load().Issuer, err)
	}
	cfg, err := a.handle.Replace(ctx, popts)
	if err != nil {
		return a.fail(ctx, "auth.reload.fail", a.handle.Load().Issuer, err)
	}
	a.opts.log.InfoContext(ctx, "auth.reload.ok",
		slog.String("variant", cfg.Variant.Name()),
		slog.String("issuer", cfg.Issuer))
	return nil
}

// Authenticate resolves the identity for an Authorization header value of
// the form "Bearer <token>". Every failure is an *Error.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Identity, error) {
	cfg := a.handle.Load()

	tok, err := BearerToken(header)
	if err != nil {
		return nil, a.fail(ctx, "auth.check.fail", cfg.Issuer, err)
	}

	n, err := a.validator.Validate(ctx, tok, cfg)
	if err != nil {
		return nil, a.fail(ctx, "auth.check.fail", cfg.Issuer, err)
	}

	m, err := claims.NewMapper(cfg.Policy).Map(n)
	if err != nil {
		return nil, a.fail(ctx, "auth.check.fail", cfg.Issuer, err)
	}

	id := newIdentity(tok, n, m)
	a.opts.log.DebugContext(ctx, "auth.check.ok",
		slog.String("user", id.Username),
		slog.Bool("guest", id.Guest))
	return id, nil
}

// CheckAuthentication validates a bare token, without the Bearer scheme.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	id, err := a.Authenticate(ctx, "Bearer "+tok)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Provider describes the active provider configuration.
func (a *Authenticator) Provider() ProviderInfo {
	cfg := a.handle.Load()
	return ProviderInfo{
		Variant:               cfg.Variant.Name(),
		Issuer:                cfg.Issuer,
		TenantID:              cfg.TenantID,
		Audiences:             append([]string(nil), cfg.Audiences...),
		AuthorizationEndpoint: cfg.AuthorizationEndpoint,
		TokenEndpoint:         cfg.TokenEndpoint,
		JWKSURI:               cfg.JWKSURI,
		KeySource:             cfg.KeySource,
		AllowedAlgorithms:     append([]string(nil), cfg.AllowedAlgorithms...),
	}
}

// ProviderInfo is advertisement-only metadata about the active provider.
type ProviderInfo struct {
	Variant               string
	Issuer                string
	TenantID              string
	Audiences             []string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	KeySource             string
	AllowedAlgorithms     []string
}

var errNoAuthorization = fmt.Errorf("%w: no authorization header", ErrMissingCredentials)

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoAuthorization
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: authorization scheme is not Bearer", ErrMissingCredentials)
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrMissingCredentials)
	}
	return tok, nil
}

func (a *Authenticator) providerOptions(s Settings) (provider.Options, error) {
	s = s.Copy()
	s.Normalize()
	return s.providerOptions(&a.opts)
}

// fail classifies err and logs it once. Server-side kinds log at error level.
func (a *Authenticator) fail(ctx context.Context, msg, issuer string, err error) *Error {
	ae := classify(err)
	attrs := []slog.Attr{
		slog.String("kind", ae.Kind.String()),
		slog.String("err", ae.Detail()),
	}
	if issuer != "" {
		attrs = append(attrs, slog.String("issuer", issuer))
	}
	level := slog.LevelInfo
	if !ae.Kind.ClientError() {
		level = slog.LevelError
	}
	a.opts.log.LogAttrs(ctx, level, msg, attrs...)
	return ae
}
