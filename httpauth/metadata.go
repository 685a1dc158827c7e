package httpauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ggoodman/adfs-auth-go/auth"
	"github.com/ggoodman/adfs-auth-go/internal/wellknown"
)

// MetadataPath is the well-known path MetadataHandler is usually mounted at.
const MetadataPath = wellknown.ProtectedResourceMetadataPath

// ProviderSource reports the active provider. *auth.Authenticator satisfies
// it; the document follows Reload because it is rebuilt per request.
type ProviderSource interface {
	Provider() auth.ProviderInfo
}

// Resource describes the protected resource itself.
type Resource struct {
	// URL is the resource identifier. Defaults to the first configured
	// audience.
	URL           string
	Name          string
	Documentation string
}

// MetadataHandler serves the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) for the resource, pointing clients at the active identity
// provider.
func MetadataHandler(src ProviderSource, res Resource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		switch r.Method {
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		doc := protectedResourceMetadata(src.Provider(), res)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		}
	})
}

func protectedResourceMetadata(info auth.ProviderInfo, res Resource) wellknown.ProtectedResourceMetadata {
	resource := res.URL
	if resource == "" && len(info.Audiences) > 0 {
		resource = info.Audiences[0]
	}
	return wellknown.ProtectedResourceMetadata{
		Resource:                          resource,
		AuthorizationServers:              []string{info.Issuer},
		JwksURI:                           info.JWKSURI,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: info.AllowedAlgorithms,
		ResourceName:                      res.Name,
		ResourceDocumentation:             res.Documentation,
	}
}
