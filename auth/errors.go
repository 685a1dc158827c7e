package auth

import (
	"errors"

	"github.com/ggoodman/adfs-auth-go/internal/autherr"
)

// ErrAuthenticationFailed matches every failure the client is responsible
// for: bad, expired, foreign or blocked tokens and missing credentials.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrServer matches failures only an operator can fix: invalid settings or an
// unreachable identity provider.
var ErrServer = errors.New("authentication unavailable")

// Specific causes, usable with errors.Is on any error returned by this package.
var (
	ErrConfiguration       = autherr.ErrConfiguration
	ErrProviderUnavailable = autherr.ErrProviderUnavailable
	ErrKeyNotFound         = autherr.ErrKeyNotFound
	ErrMalformedToken      = autherr.ErrMalformedToken
	ErrInvalidSignature    = autherr.ErrInvalidSignature
	ErrIssuerMismatch      = autherr.ErrIssuerMismatch
	ErrAudienceMismatch    = autherr.ErrAudienceMismatch
	ErrTokenExpired        = autherr.ErrTokenExpired
	ErrTokenNotYetValid    = autherr.ErrTokenNotYetValid
	ErrGuestBlocked        = autherr.ErrGuestBlocked
	ErrMissingCredentials  = autherr.ErrMissingCredentials
)

// Kind classifies an authentication failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindProviderUnavailable
	KindKeyNotFound
	KindMalformedToken
	KindInvalidSignature
	KindIssuerMismatch
	KindAudienceMismatch
	KindTokenExpired
	KindTokenNotYetValid
	KindGuestBlocked
	KindMissingCredentials
)

var kindNames = [...]string{
	KindUnknown:             "UnknownError",
	KindConfiguration:       "ConfigurationError",
	KindProviderUnavailable: "ProviderUnavailableError",
	KindKeyNotFound:         "KeyNotFoundError",
	KindMalformedToken:      "MalformedTokenError",
	KindInvalidSignature:    "InvalidSignatureError",
	KindIssuerMismatch:      "IssuerMismatchError",
	KindAudienceMismatch:    "AudienceMismatchError",
	KindTokenExpired:        "TokenExpiredError",
	KindTokenNotYetValid:    "TokenNotYetValidError",
	KindGuestBlocked:        "GuestBlockedError",
	KindMissingCredentials:  "MissingCredentialsError",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ClientError reports whether the kind is attributable to the presented
// credentials rather than to the server.
func (k Kind) ClientError() bool {
	switch k {
	case KindConfiguration, KindProviderUnavailable, KindUnknown:
		return false
	default:
		return true
	}
}

// Error is returned by New, Reload and Authenticate. Its message is the
// coarse text safe to show a caller; Detail and the wrapped error carry the
// specific cause for logs.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind.ClientError() {
		return ErrAuthenticationFailed.Error()
	}
	return ErrServer.Error()
}

// Detail returns the kind and the underlying cause.
func (e *Error) Detail() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap exposes both the class sentinel (ErrAuthenticationFailed or
// ErrServer) and the cause.
func (e *Error) Unwrap() []error {
	class := ErrServer
	if e.Kind.ClientError() {
		class = ErrAuthenticationFailed
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{class, e.Err}
}

// KindOf returns the Kind of err, or KindUnknown when err did not come from
// this package.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

var kindSentinels = []struct {
	err  error
	kind Kind
}{
	{autherr.ErrConfiguration, KindConfiguration},
	{autherr.ErrMissingCredentials, KindMissingCredentials},
	{autherr.ErrMalformedToken, KindMalformedToken},
	{autherr.ErrKeyNotFound, KindKeyNotFound},
	{autherr.ErrProviderUnavailable, KindProviderUnavailable},
	{autherr.ErrInvalidSignature, KindInvalidSignature},
	{autherr.ErrIssuerMismatch, KindIssuerMismatch},
	{autherr.ErrAudienceMismatch, KindAudienceMismatch},
	{autherr.ErrTokenExpired, KindTokenExpired},
	{autherr.ErrTokenNotYetValid, KindTokenNotYetValid},
	{autherr.ErrGuestBlocked, KindGuestBlocked},
}

func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return &Error{Kind: s.kind, Err: err}
		}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
