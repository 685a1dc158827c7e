// Package authtest provides mock ADFS and Azure AD identity providers and
// token builders for tests.
//
// Every mock signs with the same process-wide RSA key, published under the
// same key id, so a token minted by one provider verifies against another
// provider's keys and fails later, at the issuer check, exactly as a
// cross-provider replay would.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Username is the account name carried by every default token.
	Username = "testuser"
	// RelyingPartyID is the ADFS relying party identifier tokens are issued for.
	RelyingPartyID = "your-RP-id"
	// ClientID is the Azure AD application id tokens are issued for.
	ClientID = "your-configured-client-id"
	// TenantID is the Azure AD tenant the mock serves.
	TenantID = "dummy_tenant_id"
)

// Kind selects which identity provider a mock imitates.
type Kind string

const (
	// ADFS2012 publishes only FederationMetadata.xml.
	ADFS2012 Kind = "2012"
	// ADFS2016 publishes an OpenID Connect discovery document.
	ADFS2016 Kind = "2016"
	// Azure serves v1.0 and v2.0 discovery for any tenant path.
	Azure Kind = "azure"
)

type signingKey struct {
	key  *rsa.PrivateKey
	der  []byte
	kid  string
	jwks []byte
}

var (
	keyOnce sync.Once
	key     *signingKey
	keyErr  error
)

func sharedKey(t testing.TB) *signingKey {
	t.Helper()
	keyOnce.Do(func() { key, keyErr = newSigningKey() })
	if keyErr != nil {
		t.Fatalf("authtest: signing key: %v", keyErr)
	}
	return key
}

func newSigningKey() (*signingKey, error) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ADFS Signing - adfs.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &pk.PublicKey, pk)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(der)
	kid := base64.RawURLEncoding.EncodeToString(sum[:])

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &pk.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	jwks, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	return &signingKey{key: pk, der: der, kid: kid, jwks: jwks}, nil
}

// IdP is a running mock identity provider.
type IdP struct {
	Kind Kind

	srv   *httptest.Server
	key   *signingKey
	down  atomic.Bool
	delay atomic.Int64

	mu   sync.Mutex
	hits map[string]int
}

// New starts a mock of the given kind. It is closed when the test ends.
func New(t testing.TB, kind Kind) *IdP {
	t.Helper()
	idp := &IdP{Kind: kind, key: sharedKey(t), hits: map[string]int{}}
	idp.srv = httptest.NewServer(http.HandlerFunc(idp.serve))
	t.Cleanup(idp.srv.Close)
	return idp
}

// URL is the server root, suitable as an ADFS Server or Azure Authority.
func (i *IdP) URL() string { return i.srv.URL }

// Client returns an HTTP client for the mock.
func (i *IdP) Client() *http.Client { return i.srv.Client() }

// KeyID is the kid (and x5t) of the signing key.
func (i *IdP) KeyID() string { return i.key.kid }

// SetDown makes every endpoint answer 503 until called again with false.
func (i *IdP) SetDown(down bool) { i.down.Store(down) }

// SetDelay makes every endpoint wait d before answering.
func (i *IdP) SetDelay(d time.Duration) { i.delay.Store(int64(d)) }

// Hits reports how many requests were served for path.
func (i *IdP) Hits(path string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hits[path]
}

// Issuer is the iss value the provider puts in access tokens. For Azure it is
// the v1.0 issuer of TenantID.
func (i *IdP) Issuer() string {
	switch i.Kind {
	case Azure:
		return AzureIssuerV1(TenantID)
	default:
		return "http://" + i.host() + "/adfs/services/trust"
	}
}

// AzureIssuerV1 is the issuer of Azure AD v1.0 access tokens.
func AzureIssuerV1(tenant string) string {
	return "https://sts.windows.net/" + tenant + "/"
}

// AzureIssuerV2 is the issuer of Azure AD v2.0 access tokens from this mock.
func (i *IdP) AzureIssuerV2(tenant string) string {
	return i.srv.URL + "/" + tenant + "/v2.0"
}

func (i *IdP) host() string {
	u, _ := url.Parse(i.srv.URL)
	return u.Host
}

func (i *IdP) serve(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	i.hits[r.URL.Path]++
	i.mu.Unlock()

	if d := time.Duration(i.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	if i.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	switch i.Kind {
	case ADFS2012:
		i.serveADFS2012(w, r)
	case ADFS2016:
		i.serveADFS2016(w, r)
	case Azure:
		i.serveAzure(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (i *IdP) serveADFS2012(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/FederationMetadata/2007-06/FederationMetadata.xml" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	_, _ = fmt.Fprintf(w, federationMetadata, i.Issuer(), base64.StdEncoding.EncodeToString(i.key.der))
}

func (i *IdP) serveADFS2016(w http.ResponseWriter, r *http.Request) {
	base := i.srv.URL + "/adfs"
	switch r.URL.Path {
	case "/adfs/.well-known/openid-configuration":
		writeJSON(w, map[string]any{
			"issuer":                 base,
			"access_token_issuer":    i.Issuer(),
			"authorization_endpoint": base + "/oauth2/authorize/",
			"token_endpoint":         base + "/oauth2/token/",
			"jwks_uri":               base + "/discovery/keys",
		})
	case "/adfs/discovery/keys":
		writeKeys(w, i.key.jwks)
	default:
		http.NotFound(w, r)
	}
}

// serveAzure answers /<tenant>/.well-known/openid-configuration,
// /<tenant>/v2.0/.well-known/openid-configuration and the key endpoints.
func (i *IdP) serveAzure(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	tenant := parts[0]
	issuerTenant := tenant
	switch tenant {
	case "common", "organizations", "consumers":
		issuerTenant = "{tenantid}"
	}

	switch strings.Join(parts[1:], "/") {
	case ".well-known/openid-configuration":
		writeJSON(w, map[string]any{
			"issuer":                 AzureIssuerV1(issuerTenant),
			"authorization_endpoint": i.srv.URL + "/" + tenant + "/oauth2/authorize",
			"token_endpoint":         i.srv.URL + "/" + tenant + "/oauth2/token",
			"jwks_uri":               i.srv.URL + "/common/discovery/keys",
		})
	case "v2.0/.well-known/openid-configuration":
		writeJSON(w, map[string]any{
			"issuer":                 i.AzureIssuerV2(issuerTenant),
			"authorization_endpoint": i.srv.URL + "/" + tenant + "/oauth2/v2.0/authorize",
			"token_endpoint":         i.srv.URL + "/" + tenant + "/oauth2/v2.0/token",
			"jwks_uri":               i.srv.URL + "/" + tenant + "/discovery/v2.0/keys",
		})
	case "discovery/keys", "discovery/v2.0/keys":
		writeKeys(w, i.key.jwks)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeKeys(w http.ResponseWriter, jwks []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jwks)
}

// Sign mints an RS256 token over claims with the shared key, carrying both
// kid and x5t headers as ADFS and Azure AD do.
func (i *IdP) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return Sign(t, claims, map[string]any{"kid": i.key.kid, "x5t": i.key.kid})
}

// Sign mints an RS256 token with the shared key and the given extra headers.
func Sign(t testing.TB, claims jwt.MapClaims, headers map[string]any) string {
	t.Helper()
	k := sharedKey(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	for name, v := range headers {
		tok.Header[name] = v
	}
	s, err := tok.SignedString(k.key)
	if err != nil {
		t.Fatalf("authtest: sign: %v", err)
	}
	return s
}

// ADFSClaims returns the claims of a typical ADFS access token for
// RelyingPartyID, valid for an hour.
func (i *IdP) ADFSClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"aud":            "microsoft:identityserver:" + RelyingPartyID,
		"iss":            i.Issuer(),
		"iat":            now.Unix(),
		"nbf":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"auth_time":      now.Add(-time.Minute).Format(time.RFC3339),
		"authmethod":     "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport",
		"ver":            "1.0",
		"appid":          RelyingPartyID,
		"winaccountname": Username,
		"upn":            Username + "@example.com",
		"given_name":     "John",
		"family_name":    "Doe",
		"email":          "john.doe@example.com",
		"group":          []any{"group1", "group2"},
		"employee_id":    "00001",
	}
}

// AzureClaims returns the claims of a typical Azure AD v1.0 access token for
// ClientID in TenantID, valid for an hour.
func (i *IdP) AzureClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"aud":         ClientID,
		"iss":         AzureIssuerV1(TenantID),
		"iat":         now.Unix(),
		"nbf":         now.Unix(),
		"exp":         now.Add(time.Hour).Unix(),
		"tid":         TenantID,
		"oid":         "a7f0e1b2-0000-4000-8000-000000000001",
		"sub":         "F9xkO7lD2Gv3PoVH2dMRvrtXKDg3dtXbWYh0UwaSCeE",
		"appid":       ClientID,
		"ver":         "1.0",
		"upn":         Username,
		"unique_name": Username,
		"given_name":  "John",
		"family_name": "Doe",
		"groups":      []any{"group1", "group2"},
	}
}

// AccessToken is the default token for the provider kind.
func (i *IdP) AccessToken(t testing.TB) string {
	t.Helper()
	if i.Kind == Azure {
		return i.Sign(t, i.AzureClaims())
	}
	return i.Sign(t, i.ADFSClaims())
}

// AzureGuestToken is an Azure AD token for a B2B guest: the account was
// authenticated by a foreign identity provider.
func (i *IdP) AzureGuestToken(t testing.TB) string {
	t.Helper()
	c := i.AzureClaims()
	c["idp"] = "live.com"
	c["acct"] = 1
	c["upn"] = Username + "_example.com#EXT#@" + TenantID
	c["email"] = Username + "@example.com"
	return i.Sign(t, c)
}

// AzureMemberToken is an Azure AD token for a tenant member whose idp claim
// names the issuing tenant itself.
func (i *IdP) AzureMemberToken(t testing.TB) string {
	t.Helper()
	c := i.AzureClaims()
	c["idp"] = AzureIssuerV1(TenantID)
	c["acct"] = 0
	return i.Sign(t, c)
}

const federationMetadata = `<?xml version="1.0" encoding="utf-8"?>
<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" ID="_mock" entityID="%s">
  <RoleDescriptor xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:fed="http://docs.oasis-open.org/wsfed/federation/200706" xsi:type="fed:SecurityTokenServiceType" protocolSupportEnumeration="http://docs.oasis-open.org/wsfed/federation/200706">
    <KeyDescriptor use="signing">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data>
          <X509Certificate>%s</X509Certificate>
        </X509Data>
      </KeyInfo>
    </KeyDescriptor>
  </RoleDescriptor>
</EntityDescriptor>
`
