// Package wellknown holds the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) advertised by resources guarded with bearer tokens.
package wellknown

// ProtectedResourceMetadataPath is where the document is served.
const ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}
