package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/adfs-auth-go/auth/authtest"
	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adfsOptions(idp *authtest.IdP) Options {
	return Options{
		Server:     idp.URL(),
		Audience:   []string{authtest.RelyingPartyID},
		HTTPClient: idp.Client(),
	}
}

func azureOptions(idp *authtest.IdP) Options {
	return Options{
		TenantID:   authtest.TenantID,
		Authority:  idp.URL(),
		ClientID:   authtest.ClientID,
		HTTPClient: idp.Client(),
	}
}

func TestResolve_ConfigurationErrors(t *testing.T) {
	cases := map[string]Options{
		"neither server nor tenant": {ClientID: "x"},
		"both server and tenant":    {Server: "adfs.example.com", TenantID: "t", ClientID: "x"},
		"no audience":               {Server: "adfs.example.com"},
		"blank audience":            {Server: "adfs.example.com", Audience: []string{" "}},
		"authority with adfs":       {Server: "adfs.example.com", Authority: "https://login.example.com", ClientID: "x"},
		"version with adfs":         {Server: "adfs.example.com", Version: VersionV2, ClientID: "x"},
		"unknown version":           {TenantID: "t", Version: "v3.0", ClientID: "x"},
		"negative leeway":           {TenantID: "t", ClientID: "x", Leeway: -time.Second},
		"negative timeout":          {TenantID: "t", ClientID: "x", Timeout: -time.Second},
		"alg none":                  {TenantID: "t", ClientID: "x", AllowedAlgorithms: []string{"none"}},
		"unknown alg":               {TenantID: "t", ClientID: "x", AllowedAlgorithms: []string{"XS512"}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(context.Background(), opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, autherr.ErrConfiguration), "got %v", err)
		})
	}
}

func TestResolve_ADFS2016(t *testing.T) {
	idp := authtest.New(t, authtest.ADFS2016)

	cfg, err := Resolve(context.Background(), adfsOptions(idp))
	require.NoError(t, err)

	assert.Equal(t, NameADFS, cfg.Variant.Name())
	assert.Equal(t, idp.Issuer(), cfg.Issuer)
	assert.False(t, cfg.MultiTenant)
	assert.Equal(t, []string{authtest.RelyingPartyID, "microsoft:identityserver:" + authtest.RelyingPartyID}, cfg.Audiences)
	assert.Equal(t, idp.URL()+"/adfs/discovery/keys", cfg.KeySource)
	assert.Equal(t, idp.URL()+"/adfs/oauth2/token/", cfg.TokenEndpoint)
	assert.Equal(t, "winaccountname", cfg.Policy.UsernameClaim)
	assert.Equal(t, "group", cfg.Policy.GroupsClaim)
	assert.Equal(t, []string{"RS256"}, cfg.AllowedAlgorithms)
	assert.Zero(t, cfg.Leeway)

	key, err := cfg.Keys.Key(context.Background(), idp.KeyID())
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestResolve_ADFS2012FallsBackToFederationMetadata(t *testing.T) {
	idp := authtest.New(t, authtest.ADFS2012)

	cfg, err := Resolve(context.Background(), adfsOptions(idp))
	require.NoError(t, err)

	assert.Equal(t, idp.Issuer(), cfg.Issuer)
	assert.Equal(t, idp.URL()+"/FederationMetadata/2007-06/FederationMetadata.xml", cfg.KeySource)
	assert.Equal(t, idp.URL()+"/adfs/oauth2/token", cfg.TokenEndpoint)
	assert.Equal(t, 1, idp.Hits("/adfs/.well-known/openid-configuration"))

	key, err := cfg.Keys.Key(context.Background(), idp.KeyID())
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestResolve_ADFSSchemeQualifiedAudienceKeptAsIs(t *testing.T) {
	idp := authtest.New(t, authtest.ADFS2016)
	opts := adfsOptions(idp)
	opts.Audience = []string{"https://api.example.com"}

	cfg, err := Resolve(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.example.com"}, cfg.Audiences)
}

func TestResolve_AzureV1(t *testing.T) {
	idp := authtest.New(t, authtest.Azure)

	cfg, err := Resolve(context.Background(), azureOptions(idp))
	require.NoError(t, err)

	assert.Equal(t, NameAzure, cfg.Variant.Name())
	assert.Equal(t, authtest.AzureIssuerV1(authtest.TenantID), cfg.Issuer)
	assert.Equal(t, []string{authtest.ClientID}, cfg.Audiences)
	assert.Equal(t, authtest.TenantID, cfg.TenantID)
	assert.Equal(t, "upn", cfg.Policy.UsernameClaim)
	assert.Equal(t, "groups", cfg.Policy.GroupsClaim)
	assert.Equal(t, idp.URL()+"/common/discovery/keys", cfg.KeySource)
}

func TestResolve_AzureV2(t *testing.T) {
	idp := authtest.New(t, authtest.Azure)
	opts := azureOptions(idp)
	opts.Version = VersionV2

	cfg, err := Resolve(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, idp.AzureIssuerV2(authtest.TenantID), cfg.Issuer)
	assert.Equal(t, "preferred_username", cfg.Policy.UsernameClaim)
	assert.Equal(t, 1, idp.Hits("/"+authtest.TenantID+"/v2.0/.well-known/openid-configuration"))
}

func TestResolve_AzureMultiTenant(t *testing.T) {
	idp := authtest.New(t, authtest.Azure)
	opts := azureOptions(idp)
	opts.TenantID = "common"

	cfg, err := Resolve(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, cfg.MultiTenant)
	assert.Equal(t, authtest.AzureIssuerV1("contoso"), cfg.ExpectedIssuer(map[string]any{"tid": "contoso"}))
	assert.Empty(t, cfg.ExpectedIssuer(map[string]any{}))
	assert.Empty(t, cfg.ExpectedIssuer(map[string]any{"tid": ""}))
}

func TestResolve_ClaimOverrides(t *testing.T) {
	idp := authtest.New(t, authtest.Azure)
	opts := azureOptions(idp)
	opts.UsernameClaim = "unique_name"
	opts.GroupsClaim = "roles"
	opts.BlockGuestUsers = true
	opts.ClaimMapping = map[string]string{"first_name": "given_name"}

	cfg, err := Resolve(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "unique_name", cfg.Policy.UsernameClaim)
	assert.Equal(t, "roles", cfg.Policy.GroupsClaim)
	assert.True(t, cfg.Policy.BlockGuests)
	assert.Equal(t, map[string]string{"first_name": "given_name"}, cfg.Policy.ClaimMapping)

	opts.ClaimMapping["first_name"] = "mutated"
	assert.Equal(t, "given_name", cfg.Policy.ClaimMapping["first_name"])
}

func TestResolve_ProviderUnavailable(t *testing.T) {
	for _, kind := range []authtest.Kind{authtest.ADFS2012, authtest.ADFS2016, authtest.Azure} {
		t.Run(string(kind), func(t *testing.T) {
			idp := authtest.New(t, kind)
			idp.SetDown(true)

			opts := adfsOptions(idp)
			if kind == authtest.Azure {
				opts = azureOptions(idp)
			}
			_, err := Resolve(context.Background(), opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, autherr.ErrProviderUnavailable), "got %v", err)
			assert.False(t, errors.Is(err, autherr.ErrConfiguration))
		})
	}
}

func TestAzureVariant_IsGuest(t *testing.T) {
	member := &azureVariant{tenant: "tenant-a"}
	multi := &azureVariant{tenant: "common"}
	iss := "https://sts.windows.net/tenant-a/"

	cases := []struct {
		name string
		v    *azureVariant
		raw  map[string]any
		want bool
	}{
		{"member", member, map[string]any{"tid": "tenant-a", "iss": iss}, false},
		{"tenant id case-insensitive", member, map[string]any{"tid": "TENANT-A", "iss": iss}, false},
		{"foreign tenant", member, map[string]any{"tid": "tenant-b", "iss": iss}, true},
		{"external account", member, map[string]any{"tid": "tenant-a", "acct": float64(1), "iss": iss}, true},
		{"acct zero", member, map[string]any{"tid": "tenant-a", "acct": 0, "iss": iss}, false},
		{"foreign idp", member, map[string]any{"tid": "tenant-a", "idp": "live.com", "iss": iss}, true},
		{"idp equals issuer", member, map[string]any{"tid": "tenant-a", "idp": iss, "iss": iss}, false},
		{"multi-tenant ignores tid", multi, map[string]any{"tid": "tenant-b", "iss": iss}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.v.IsGuest(tc.raw))
		})
	}

	assert.False(t, (&adfsVariant{}).IsGuest(map[string]any{"acct": 1}))
}

func TestHandle_Replace(t *testing.T) {
	adfs := authtest.New(t, authtest.ADFS2016)
	azure := authtest.New(t, authtest.Azure)
	ctx := context.Background()

	h, err := NewHandle(ctx, adfsOptions(adfs))
	require.NoError(t, err)
	first := h.Load()
	require.Equal(t, NameADFS, first.Variant.Name())

	same, err := h.Replace(ctx, adfsOptions(adfs))
	require.NoError(t, err)
	assert.Same(t, first, same)
	assert.Equal(t, 1, adfs.Hits("/adfs/.well-known/openid-configuration"))

	bad := azureOptions(azure)
	bad.Server = "adfs.example.com"
	_, err = h.Replace(ctx, bad)
	require.ErrorIs(t, err, autherr.ErrConfiguration)
	assert.Same(t, first, h.Load())

	var wg sync.WaitGroup
	results := make([]*Config, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg, err := h.Replace(ctx, azureOptions(azure))
			assert.NoError(t, err)
			results[i] = cfg
		}(i)
	}
	wg.Wait()

	second := h.Load()
	assert.Equal(t, NameAzure, second.Variant.Name())
	assert.Equal(t, 1, azure.Hits("/"+authtest.TenantID+"/.well-known/openid-configuration"))
	for _, cfg := range results {
		assert.Same(t, second, cfg)
	}

	// The old snapshot is untouched for anyone still holding it.
	assert.Equal(t, adfs.Issuer(), first.Issuer)
	assert.True(t, strings.HasPrefix(first.KeySource, adfs.URL()))
}

func TestHandle_ReplaceAbandonedLeavesSnapshot(t *testing.T) {
	adfs := authtest.New(t, authtest.ADFS2016)
	azure := authtest.New(t, authtest.Azure)

	h, err := NewHandle(context.Background(), adfsOptions(adfs))
	require.NoError(t, err)
	first := h.Load()

	azure.SetDelay(300 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Replace(ctx, azureOptions(azure))
	require.ErrorIs(t, err, autherr.ErrProviderUnavailable)

	// The abandoned resolution finishes in the background but is not installed.
	require.Never(t, func() bool { return h.Load() != first }, 600*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, NameADFS, h.Load().Variant.Name())

	cfg, err := h.Replace(context.Background(), azureOptions(azure))
	require.NoError(t, err)
	assert.Same(t, cfg, h.Load())
	assert.Equal(t, NameAzure, cfg.Variant.Name())
}

func TestHandle_NewHandleFails(t *testing.T) {
	_, err := NewHandle(context.Background(), Options{})
	require.ErrorIs(t, err, autherr.ErrConfiguration)
}
