package keyset

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/ggoodman/adfs-auth-go/internal/autherr"
)

// FederationMetadata is the subset of an ADFS FederationMetadata.xml document
// needed to validate access tokens on servers without OIDC discovery.
type FederationMetadata struct {
	EntityID string
	// JWKS holds the signing certificates converted to a JWKS document. Key
	// ids are base64url SHA-1 certificate thumbprints, which is what ADFS puts
	// in the x5t token header.
	JWKS json.RawMessage
}

type entityDescriptor struct {
	EntityID string           `xml:"entityID,attr"`
	Roles    []roleDescriptor `xml:"RoleDescriptor"`
	IDPSSO   []roleDescriptor `xml:"IDPSSODescriptor"`
	SPSSO    []roleDescriptor `xml:"SPSSODescriptor"`
}

type roleDescriptor struct {
	Keys []struct {
		Use          string   `xml:"use,attr"`
		Certificates []string `xml:"KeyInfo>X509Data>X509Certificate"`
	} `xml:"KeyDescriptor"`
}

// ParseFederationMetadata extracts the entity id and signing keys.
func ParseFederationMetadata(data []byte) (*FederationMetadata, error) {
	var doc entityDescriptor
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid federation metadata: %v", autherr.ErrProviderUnavailable, err)
	}

	var set jose.JSONWebKeySet
	seen := map[string]bool{}
	for _, group := range [][]roleDescriptor{doc.Roles, doc.IDPSSO, doc.SPSSO} {
		for _, role := range group {
			for _, kd := range role.Keys {
				if kd.Use != "" && kd.Use != "signing" {
					continue
				}
				for _, enc := range kd.Certificates {
					der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(enc), ""))
					if err != nil {
						return nil, fmt.Errorf("%w: invalid signing certificate encoding: %v", autherr.ErrProviderUnavailable, err)
					}
					cert, err := x509.ParseCertificate(der)
					if err != nil {
						return nil, fmt.Errorf("%w: invalid signing certificate: %v", autherr.ErrProviderUnavailable, err)
					}
					kid := Thumbprint(der)
					if seen[kid] {
						continue
					}
					seen[kid] = true
					set.Keys = append(set.Keys, jose.JSONWebKey{
						Key:       cert.PublicKey,
						KeyID:     kid,
						Algorithm: "RS256",
						Use:       "sig",
					})
				}
			}
		}
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: federation metadata contains no signing certificates", autherr.ErrProviderUnavailable)
	}

	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("%w: encode signing keys: %v", autherr.ErrProviderUnavailable, err)
	}
	return &FederationMetadata{EntityID: doc.EntityID, JWKS: raw}, nil
}

// Thumbprint returns the x5t value ADFS uses for a DER certificate.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// FetchFederationMetadata downloads and parses a FederationMetadata.xml document.
func FetchFederationMetadata(ctx context.Context, client *http.Client, url string) (*FederationMetadata, error) {
	body, err := Get(ctx, client, url, "application/samlmetadata+xml, application/xml, text/xml")
	if err != nil {
		return nil, err
	}
	return ParseFederationMetadata(body)
}

// FederationMetadataSource serves keys from ADFS federation metadata.
type FederationMetadataSource struct {
	URL    string
	Client *http.Client
}

// Location implements Source.
func (s *FederationMetadataSource) Location() string { return s.URL }

// Fetch implements Source.
func (s *FederationMetadataSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	md, err := FetchFederationMetadata(ctx, s.Client, s.URL)
	if err != nil {
		return nil, err
	}
	return md.JWKS, nil
}
