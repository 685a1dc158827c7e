// Package provider resolves the per-provider metadata needed to validate
// access tokens: issuer, audiences, signing key source and claim policy. A
// resolved Config is immutable; configuration changes produce a new Config
// that Handle swaps in atomically.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/ggoodman/adfs-auth-go/internal/claims"
	"github.com/ggoodman/adfs-auth-go/internal/keyset"
	"github.com/ggoodman/adfs-auth-go/storage"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAuthority is the Azure AD login host.
	DefaultAuthority = "https://login.microsoftonline.com"
	// DefaultLeeway is the clock skew tolerance auth.Settings applies when
	// none is configured. Options.Leeway itself is taken literally.
	DefaultLeeway = 60 * time.Second
	// DefaultTimeout bounds each outbound metadata or key fetch.
	DefaultTimeout = 5 * time.Second

	VersionV1 = "v1.0"
	VersionV2 = "v2.0"

	adfsAudiencePrefix = "microsoft:identityserver:"
)

// Options is the recognised configuration surface. Exactly one of Server
// (on-prem ADFS) and TenantID (Azure AD) must be set.
type Options struct {
	Server    string
	TenantID  string
	Authority string // Azure only
	Version   string // Azure only: v1.0 (default) or v2.0

	ClientID string
	Audience []string

	BlockGuestUsers     bool
	UsernameClaim       string
	GuestUsernameClaim  string
	GroupsClaim         string
	ClaimMapping        map[string]string
	GroupToFlagMapping  map[string]string
	BooleanClaimMapping map[string]string

	AllowedAlgorithms  []string
	Leeway             time.Duration // zero means no clock skew tolerance
	Timeout            time.Duration
	KeyRefreshInterval time.Duration
	KeyMaxAge          time.Duration

	HTTPClient  *http.Client
	SharedCache storage.Storage
	Logger      *slog.Logger
}

// Config is a resolved provider. Fields must not be modified after Resolve
// returns; Config values are shared by concurrent validations.
type Config struct {
	Variant Variant

	// Issuer is the exact iss value tokens must carry. For multi-tenant Azure
	// configurations it contains the {tenantid} placeholder; use
	// ExpectedIssuer.
	Issuer      string
	MultiTenant bool
	TenantID    string
	Audiences   []string

	AuthorizationEndpoint string
	TokenEndpoint         string
	// JWKSURI is empty when keys come from federation metadata.
	JWKSURI               string
	KeySource             string

	AllowedAlgorithms []string
	Leeway            time.Duration
	Policy            claims.Policy

	Keys *keyset.Resolver

	fingerprint string
}

// ExpectedIssuer returns the issuer a token with the given claims must carry.
// In multi-tenant mode a token without a tid has no acceptable issuer and
// the result is empty.
func (c *Config) ExpectedIssuer(raw map[string]any) string {
	if !c.MultiTenant {
		return c.Issuer
	}
	tid, _ := raw["tid"].(string)
	if tid == "" {
		return ""
	}
	return strings.ReplaceAll(c.Issuer, tenantPlaceholder, tid)
}

// Resolve validates opts, selects the provider variant and performs metadata
// discovery. Invalid options fail with autherr.ErrConfiguration; discovery
// failures with autherr.ErrProviderUnavailable.
func Resolve(ctx context.Context, opts Options) (*Config, error) {
	o, err := normalize(opts)
	if err != nil {
		return nil, err
	}

	variant, err := newVariant(o)
	if err != nil {
		return nil, err
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}

	dctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	md, src, err := variant.discover(dctx, client)
	if err != nil {
		return nil, err
	}

	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	keyOpts := []keyset.Option{
		keyset.WithLogger(log),
		keyset.WithFetchTimeout(o.Timeout),
		keyset.WithMaxAge(o.KeyMaxAge),
	}
	if o.KeyRefreshInterval != 0 {
		keyOpts = append(keyOpts, keyset.WithRefreshInterval(o.KeyRefreshInterval))
	}
	if o.SharedCache != nil {
		keyOpts = append(keyOpts, keyset.WithSharedCache(o.SharedCache))
	}

	policy := claims.Policy{
		UsernameClaim:       firstNonEmpty(o.UsernameClaim, variant.DefaultUsernameClaim()),
		GuestUsernameClaim:  o.GuestUsernameClaim,
		GroupsClaim:         firstNonEmpty(o.GroupsClaim, variant.DefaultGroupsClaim()),
		BlockGuests:         o.BlockGuestUsers,
		ClaimMapping:        cloneMap(o.ClaimMapping),
		GroupToFlagMapping:  cloneMap(o.GroupToFlagMapping),
		BooleanClaimMapping: cloneMap(o.BooleanClaimMapping),
	}

	cfg := &Config{
		Variant:               variant,
		Issuer:                md.Issuer,
		MultiTenant:           strings.Contains(md.Issuer, tenantPlaceholder),
		TenantID:              o.TenantID,
		Audiences:             audiences(o, variant),
		AuthorizationEndpoint: md.AuthorizationEndpoint,
		TokenEndpoint:         md.TokenEndpoint,
		JWKSURI:               md.JWKSURI,
		KeySource:             src.Location(),
		AllowedAlgorithms:     append([]string(nil), o.AllowedAlgorithms...),
		Leeway:                o.Leeway,
		Policy:                policy,
		Keys:                  keyset.New(src, keyOpts...),
		fingerprint:           fingerprint(opts),
	}

	log.InfoContext(ctx, "provider.resolved",
		slog.String("variant", variant.Name()),
		slog.String("issuer", cfg.Issuer),
		slog.String("keys", cfg.KeySource),
		slog.Any("audiences", cfg.Audiences))
	return cfg, nil
}

// normalize checks opts for missing or contradictory settings and fills
// defaults on a copy.
func normalize(opts Options) (Options, error) {
	o := opts
	o.Server = strings.TrimSpace(o.Server)
	o.TenantID = strings.TrimSpace(o.TenantID)

	switch {
	case o.Server != "" && o.TenantID != "":
		return o, fmt.Errorf("%w: Server (ADFS) and TenantID (Azure AD) are mutually exclusive", autherr.ErrConfiguration)
	case o.Server == "" && o.TenantID == "":
		return o, fmt.Errorf("%w: one of Server (ADFS) or TenantID (Azure AD) is required", autherr.ErrConfiguration)
	}

	if o.Server != "" {
		if o.Authority != "" {
			return o, fmt.Errorf("%w: Authority only applies to Azure AD", autherr.ErrConfiguration)
		}
		if o.Version != "" {
			return o, fmt.Errorf("%w: Version only applies to Azure AD", autherr.ErrConfiguration)
		}
		if strings.Contains(o.Server, "://") {
			if _, err := url.Parse(o.Server); err != nil {
				return o, fmt.Errorf("%w: invalid Server: %v", autherr.ErrConfiguration, err)
			}
		}
	} else {
		if o.Authority == "" {
			o.Authority = DefaultAuthority
		}
		if _, err := url.Parse(o.Authority); err != nil {
			return o, fmt.Errorf("%w: invalid Authority: %v", autherr.ErrConfiguration, err)
		}
		if o.Version == "" {
			o.Version = VersionV1
		}
		if o.Version != VersionV1 && o.Version != VersionV2 {
			return o, fmt.Errorf("%w: unsupported Version %q", autherr.ErrConfiguration, o.Version)
		}
	}

	var aud []string
	for _, a := range o.Audience {
		if a = strings.TrimSpace(a); a != "" {
			aud = append(aud, a)
		}
	}
	if len(aud) == 0 && strings.TrimSpace(o.ClientID) != "" {
		aud = []string{strings.TrimSpace(o.ClientID)}
	}
	if len(aud) == 0 {
		return o, fmt.Errorf("%w: Audience or ClientID is required", autherr.ErrConfiguration)
	}
	o.Audience = aud

	if o.Leeway < 0 || o.Timeout < 0 || o.KeyRefreshInterval < 0 || o.KeyMaxAge < 0 {
		return o, fmt.Errorf("%w: durations must not be negative", autherr.ErrConfiguration)
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.KeyMaxAge == 0 {
		o.KeyMaxAge = keyset.DefaultMaxAge
	}

	if len(o.AllowedAlgorithms) == 0 {
		o.AllowedAlgorithms = []string{"RS256"}
	}
	for _, alg := range o.AllowedAlgorithms {
		if alg == "none" || jwt.GetSigningMethod(alg) == nil {
			return o, fmt.Errorf("%w: unsupported signing algorithm %q", autherr.ErrConfiguration, alg)
		}
	}

	return o, nil
}

// audiences returns the accepted aud values. ADFS relying party identifiers
// are accepted both bare and with the microsoft:identityserver: prefix.
func audiences(o Options, v Variant) []string {
	out := make([]string, 0, len(o.Audience)*2)
	seen := map[string]bool{}
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range o.Audience {
		add(a)
		if v.Name() == NameADFS && !strings.Contains(a, ":") {
			add(adfsAudiencePrefix + a)
		}
	}
	return out
}

// fingerprint identifies the effective configuration; runtime collaborators
// (client, cache, logger) are not part of it.
func fingerprint(o Options) string {
	o.HTTPClient = nil
	o.SharedCache = nil
	o.Logger = nil
	return fmt.Sprintf("%+v", o)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
