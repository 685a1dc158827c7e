// Package autherr holds the sentinel errors shared by the token validation
// pipeline. Internal packages wrap these with fmt.Errorf("%w: ...") and the
// public auth package classifies them into failure kinds.
package autherr

import "errors"

var (
	// ErrConfiguration means the provider settings are missing or contradictory.
	ErrConfiguration = errors.New("configuration error")
	// ErrProviderUnavailable means metadata or signing keys could not be fetched.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrKeyNotFound means the token references a signing key the provider does not publish.
	ErrKeyNotFound = errors.New("signing key not found")

	ErrMalformedToken     = errors.New("malformed token")
	ErrInvalidSignature   = errors.New("invalid token signature")
	ErrIssuerMismatch     = errors.New("issuer mismatch")
	ErrAudienceMismatch   = errors.New("audience mismatch")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenNotYetValid   = errors.New("token not yet valid")
	ErrGuestBlocked       = errors.New("guest users are not allowed")
	ErrMissingCredentials = errors.New("missing bearer credentials")
)
