package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes an HTTP challenge (status + WWW-Authenticate header).
// WWWAuthenticate is empty for server-side failures.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// ChallengeFor maps an error from Authenticate to an RFC 6750 response:
//
//   - no Authorization header: 401 with a bare Bearer challenge
//   - wrong scheme or empty token: 400 invalid_request
//   - any other client failure: 401 invalid_token
//   - configuration or provider failures: 500
//
// The error description is the coarse public message; the specific kind is
// never disclosed to the client.
func ChallengeFor(err error, realm string) *Challenge {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	switch {
	case errors.Is(err, errNoAuthorization):
		return &Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: bearerChallenge(realm, "", ""),
		}
	case kind == KindMissingCredentials:
		return &Challenge{
			Status:          http.StatusBadRequest,
			WWWAuthenticate: bearerChallenge(realm, "invalid_request", "invalid authorization header"),
		}
	case kind.ClientError():
		return &Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: bearerChallenge(realm, "invalid_token", ErrAuthenticationFailed.Error()),
		}
	default:
		return &Challenge{Status: http.StatusInternalServerError}
	}
}

// bearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Empty attributes are omitted.
func bearerChallenge(realm, code, description string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 3)
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	if code != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc.Replace(code)))
	}
	if description != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc.Replace(description)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
