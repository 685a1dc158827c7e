package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		client bool
	}{
		{fmt.Errorf("%w: both set", autherr.ErrConfiguration), KindConfiguration, false},
		{fmt.Errorf("%w: GET failed", autherr.ErrProviderUnavailable), KindProviderUnavailable, false},
		{errors.Join(fmt.Errorf("%w: a", autherr.ErrProviderUnavailable), fmt.Errorf("%w: b", autherr.ErrProviderUnavailable)), KindProviderUnavailable, false},
		{fmt.Errorf("%w: kid", autherr.ErrKeyNotFound), KindKeyNotFound, true},
		{fmt.Errorf("%w: x", autherr.ErrMalformedToken), KindMalformedToken, true},
		{fmt.Errorf("%w: x", autherr.ErrInvalidSignature), KindInvalidSignature, true},
		{fmt.Errorf("%w: x", autherr.ErrIssuerMismatch), KindIssuerMismatch, true},
		{fmt.Errorf("%w: x", autherr.ErrAudienceMismatch), KindAudienceMismatch, true},
		{fmt.Errorf("%w: x", autherr.ErrTokenExpired), KindTokenExpired, true},
		{fmt.Errorf("%w: x", autherr.ErrTokenNotYetValid), KindTokenNotYetValid, true},
		{fmt.Errorf("%w: x", autherr.ErrGuestBlocked), KindGuestBlocked, true},
		{fmt.Errorf("%w: x", autherr.ErrMissingCredentials), KindMissingCredentials, true},
		{errors.New("boom"), KindUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			ae := classify(tc.err)
			require.NotNil(t, ae)
			assert.Equal(t, tc.kind, ae.Kind)
			assert.Equal(t, tc.client, errors.Is(ae, ErrAuthenticationFailed))
			assert.Equal(t, !tc.client, errors.Is(ae, ErrServer))
			assert.ErrorIs(t, ae, tc.err)
			assert.Contains(t, ae.Detail(), tc.kind.String())
		})
	}

	assert.Nil(t, classify(nil))
	ae := &Error{Kind: KindTokenExpired}
	assert.Same(t, ae, classify(fmt.Errorf("wrapped: %w", ae)))
}

func TestErrorMessageIsCoarse(t *testing.T) {
	ae := classify(fmt.Errorf("%w: tenant %q", autherr.ErrGuestBlocked, "contoso"))
	assert.Equal(t, "authentication failed", ae.Error())
	assert.NotContains(t, ae.Error(), "contoso")
	assert.Contains(t, ae.Detail(), "contoso")
}

func TestChallengeFor(t *testing.T) {
	_, missing := BearerToken("")
	_, wrongScheme := BearerToken("Basic abc")

	cases := []struct {
		name   string
		err    error
		status int
		header string
	}{
		{"no header", classify(missing), http.StatusUnauthorized, `Bearer realm="api"`},
		{"wrong scheme", classify(wrongScheme), http.StatusBadRequest, `Bearer realm="api", error="invalid_request", error_description="invalid authorization header"`},
		{"expired", classify(autherr.ErrTokenExpired), http.StatusUnauthorized, `Bearer realm="api", error="invalid_token", error_description="authentication failed"`},
		{"guest", classify(autherr.ErrGuestBlocked), http.StatusUnauthorized, `Bearer realm="api", error="invalid_token", error_description="authentication failed"`},
		{"provider down", classify(autherr.ErrProviderUnavailable), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := ChallengeFor(tc.err, "api")
			require.NotNil(t, ch)
			assert.Equal(t, tc.status, ch.Status)
			assert.Equal(t, tc.header, ch.WWWAuthenticate)
		})
	}

	assert.Nil(t, ChallengeFor(nil, "api"))
	assert.Equal(t, "Bearer", ChallengeFor(classify(missing), "").WWWAuthenticate)
	assert.Equal(t, `Bearer realm="a\"b"`, ChallengeFor(classify(missing), `a"b`).WWWAuthenticate)
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("ADFS_TENANT_ID", "contoso")
	t.Setenv("ADFS_CLIENT_ID", "app")
	t.Setenv("ADFS_AUDIENCE", "api://app;app")
	t.Setenv("ADFS_BLOCK_GUEST_USERS", "true")
	t.Setenv("ADFS_LEEWAY", "30s")

	s, err := LoadSettingsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "contoso", s.TenantID)
	assert.Equal(t, "app", s.ClientID)
	assert.Equal(t, []string{"api://app", "app"}, s.Audience)
	assert.True(t, s.BlockGuestUsers)
	require.NotNil(t, s.Leeway)
	assert.Equal(t, 30*time.Second, *s.Leeway)
	assert.Equal(t, 5*time.Second, s.Timeout)
	assert.Equal(t, "https://login.microsoftonline.com", s.Authority)
	assert.Equal(t, []string{"RS256"}, s.AllowedAlgorithms)
}

func TestLoadSettingsFromEnv_Leeway(t *testing.T) {
	t.Setenv("ADFS_SERVER", "adfs.example.com")

	s, err := LoadSettingsFromEnv()
	require.NoError(t, err)
	require.NotNil(t, s.Leeway)
	assert.Equal(t, 60*time.Second, *s.Leeway)

	t.Setenv("ADFS_LEEWAY", "0s")
	s, err = LoadSettingsFromEnv()
	require.NoError(t, err)
	require.NotNil(t, s.Leeway)
	assert.Zero(t, *s.Leeway)

	t.Setenv("ADFS_LEEWAY", "soon")
	_, err = LoadSettingsFromEnv()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSettingsCopy(t *testing.T) {
	leeway := time.Second
	s := Settings{
		Audience:     []string{"a"},
		ClaimMapping: map[string]string{"first_name": "given_name"},
		Leeway:       &leeway,
	}
	dup := s.Copy()
	dup.Audience[0] = "b"
	dup.ClaimMapping["first_name"] = "x"
	*dup.Leeway = time.Minute
	assert.Equal(t, time.Second, *s.Leeway)

	assert.Equal(t, "a", s.Audience[0])
	assert.Equal(t, "given_name", s.ClaimMapping["first_name"])
}
