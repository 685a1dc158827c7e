// Package tokenvalidator verifies bearer access tokens against a resolved
// provider configuration.
//
// Checks run in a fixed order and stop at the first failure: structure,
// signature, issuer, audience, then the time window. A token from the wrong
// provider therefore fails at the issuer check even when its claims look
// plausible.
package tokenvalidator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/ggoodman/adfs-auth-go/internal/claims"
	"github.com/ggoodman/adfs-auth-go/internal/provider"
	"github.com/golang-jwt/jwt/v5"
)

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source for the exp / nbf checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// Validator is stateless apart from its clock and safe for concurrent use.
type Validator struct {
	now func() time.Time
}

// New returns a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks raw against cfg and returns its normalized claims. Failures
// wrap the matching autherr sentinel.
func (v *Validator) Validate(ctx context.Context, raw string, cfg *provider.Config) (*claims.Normalized, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", autherr.ErrMalformedToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.AllowedAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	tok, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		kid := keyID(t)
		if kid == "" {
			return nil, fmt.Errorf("%w: header carries neither kid nor x5t", autherr.ErrMalformedToken)
		}
		return cfg.Keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type %T", autherr.ErrMalformedToken, tok.Claims)
	}

	want := cfg.ExpectedIssuer(mc)
	if iss, _ := mc.GetIssuer(); iss == "" || want == "" || iss != want {
		return nil, fmt.Errorf("%w: got %q, want %q", autherr.ErrIssuerMismatch, iss, want)
	}

	aud, err := mc.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrAudienceMismatch, err)
	}
	if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(cfg.Audiences, a) }) {
		return nil, fmt.Errorf("%w: token audience %v not accepted", autherr.ErrAudienceMismatch, []string(aud))
	}

	if err := v.checkTimes(mc, cfg.Leeway); err != nil {
		return nil, err
	}

	return claims.New(mc, cfg.Variant.IsGuest(mc)), nil
}

func (v *Validator) checkTimes(mc jwt.MapClaims, leeway time.Duration) error {
	now := v.now()

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: invalid exp: %v", autherr.ErrMalformedToken, err)
	}
	if exp == nil {
		return fmt.Errorf("%w: token has no exp claim", autherr.ErrTokenExpired)
	}
	if now.After(exp.Add(leeway)) {
		return fmt.Errorf("%w: expired at %s", autherr.ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}

	nbf, err := mc.GetNotBefore()
	if err != nil {
		return fmt.Errorf("%w: invalid nbf: %v", autherr.ErrMalformedToken, err)
	}
	if nbf != nil && now.Before(nbf.Add(-leeway)) {
		return fmt.Errorf("%w: valid from %s", autherr.ErrTokenNotYetValid, nbf.UTC().Format(time.RFC3339))
	}
	return nil
}

// keyID returns the kid header, falling back to x5t which ADFS 2012 sends
// alone.
func keyID(t *jwt.Token) string {
	if kid, _ := t.Header["kid"].(string); kid != "" {
		return kid
	}
	x5t, _ := t.Header["x5t"].(string)
	return x5t
}

// classifyParseError maps golang-jwt failures onto the pipeline sentinels.
// Errors raised by the key lookup are already wrapped and pass through.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, autherr.ErrKeyNotFound),
		errors.Is(err, autherr.ErrProviderUnavailable),
		errors.Is(err, autherr.ErrMalformedToken):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", autherr.ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", autherr.ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Unknown alg header.
		return fmt.Errorf("%w: %v", autherr.ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", autherr.ErrInvalidSignature, err)
	}
}
