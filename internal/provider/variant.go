package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/ggoodman/adfs-auth-go/internal/keyset"
	"github.com/spf13/cast"
)

const (
	NameADFS  = "adfs"
	NameAzure = "azure"

	tenantPlaceholder = "{tenantid}"
)

// multiTenantIDs are the Azure AD tenant aliases that accept tokens from any
// tenant; the issuer is then checked against the token's own tid.
var multiTenantIDs = map[string]bool{
	"common":        true,
	"organizations": true,
	"consumers":     true,
}

// Variant captures what differs between provider families: where metadata
// lives, which claims carry the username and groups, and how guests are
// recognised.
type Variant interface {
	Name() string
	DefaultUsernameClaim() string
	DefaultGroupsClaim() string
	// IsGuest reports whether the claims describe a guest account.
	IsGuest(raw map[string]any) bool

	discover(ctx context.Context, client *http.Client) (*metadata, keyset.Source, error)
}

// metadata is the part of a discovery document the validator needs.
type metadata struct {
	Issuer                string `json:"issuer"`
	AccessTokenIssuer     string `json:"access_token_issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

func newVariant(o Options) (Variant, error) {
	if o.Server != "" {
		root := o.Server
		if !strings.Contains(root, "://") {
			root = "https://" + root
		}
		u, err := url.Parse(strings.TrimSuffix(root, "/"))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid Server %q", autherr.ErrConfiguration, o.Server)
		}
		return &adfsVariant{root: u}, nil
	}
	return &azureVariant{
		authority: strings.TrimSuffix(o.Authority, "/"),
		tenant:    o.TenantID,
		version:   o.Version,
	}, nil
}

// discoverOIDC fetches <base>/.well-known/openid-configuration. The issuer a
// Microsoft document reports rarely equals the discovery URL, so the issuer
// comparison go-oidc performs is disabled and the caller picks the issuer.
func discoverOIDC(ctx context.Context, client *http.Client, base string) (*metadata, error) {
	ctx = oidc.ClientContext(ctx, client)
	ctx = oidc.InsecureIssuerURLContext(ctx, base)

	p, err := oidc.NewProvider(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery at %s: %v", autherr.ErrProviderUnavailable, base, err)
	}
	var md metadata
	if err := p.Claims(&md); err != nil {
		return nil, fmt.Errorf("%w: decode discovery document from %s: %v", autherr.ErrProviderUnavailable, base, err)
	}
	if md.JWKSURI == "" {
		return nil, fmt.Errorf("%w: discovery document from %s has no jwks_uri", autherr.ErrProviderUnavailable, base)
	}
	return &md, nil
}

type adfsVariant struct {
	root *url.URL
}

func (v *adfsVariant) Name() string                 { return NameADFS }
func (v *adfsVariant) DefaultUsernameClaim() string { return "winaccountname" }
func (v *adfsVariant) DefaultGroupsClaim() string   { return "group" }

// IsGuest is always false: ADFS has no notion of guest accounts.
func (v *adfsVariant) IsGuest(map[string]any) bool { return false }

func (v *adfsVariant) base() string { return v.root.String() + "/adfs" }

// discover tries OIDC discovery (ADFS 2016 and later) first and falls back to
// federation metadata, the only metadata ADFS 2012 publishes.
func (v *adfsVariant) discover(ctx context.Context, client *http.Client) (*metadata, keyset.Source, error) {
	md, err := discoverOIDC(ctx, client, v.base())
	if err == nil {
		if md.AccessTokenIssuer != "" {
			md.Issuer = md.AccessTokenIssuer
		}
		return md, &keyset.JWKSSource{URL: md.JWKSURI, Client: client}, nil
	}

	fedURL := v.root.String() + "/FederationMetadata/2007-06/FederationMetadata.xml"
	fed, fedErr := keyset.FetchFederationMetadata(ctx, client, fedURL)
	if fedErr != nil {
		return nil, nil, errors.Join(err, fedErr)
	}

	issuer := fed.EntityID
	if issuer == "" {
		issuer = "http://" + v.root.Host + "/adfs/services/trust"
	}
	md = &metadata{
		Issuer:                issuer,
		AuthorizationEndpoint: v.base() + "/oauth2/authorize",
		TokenEndpoint:         v.base() + "/oauth2/token",
	}
	return md, &keyset.FederationMetadataSource{URL: fedURL, Client: client}, nil
}

type azureVariant struct {
	authority string
	tenant    string
	version   string
}

func (v *azureVariant) Name() string { return NameAzure }

func (v *azureVariant) DefaultUsernameClaim() string {
	if v.version == VersionV2 {
		return "preferred_username"
	}
	return "upn"
}

func (v *azureVariant) DefaultGroupsClaim() string { return "groups" }

// IsGuest recognises accounts homed outside the resource tenant: a foreign
// tid, acct=1 (external account) or an idp other than the issuer.
func (v *azureVariant) IsGuest(raw map[string]any) bool {
	if tid, _ := raw["tid"].(string); tid != "" && !multiTenantIDs[v.tenant] && !strings.EqualFold(tid, v.tenant) {
		return true
	}
	if acct, err := cast.ToIntE(raw["acct"]); err == nil && acct == 1 {
		return true
	}
	idp, _ := raw["idp"].(string)
	iss, _ := raw["iss"].(string)
	return idp != "" && idp != iss
}

func (v *azureVariant) discover(ctx context.Context, client *http.Client) (*metadata, keyset.Source, error) {
	base := v.authority + "/" + v.tenant
	if v.version == VersionV2 {
		base += "/v2.0"
	}
	md, err := discoverOIDC(ctx, client, base)
	if err != nil {
		return nil, nil, err
	}
	if !multiTenantIDs[v.tenant] {
		md.Issuer = strings.ReplaceAll(md.Issuer, tenantPlaceholder, v.tenant)
	}
	return md, &keyset.JWKSSource{URL: md.JWKSURI, Client: client}, nil
}
