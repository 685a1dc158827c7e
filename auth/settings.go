package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/adfs-auth-go/internal/provider"
	"github.com/joeshaw/envdecode"
)

// Settings is the configuration surface of an Authenticator. Set Server for
// on-prem ADFS or TenantID for Azure AD, never both.
//
// Settings can be populated from the environment (LoadSettingsFromEnv) or a
// YAML file (see the settingsfile package). The mapping fields have no
// environment form.
type Settings struct {
	// Server is the ADFS host name, e.g. "adfs.example.com". A value with a
	// scheme is used as the server root verbatim.
	Server string `env:"ADFS_SERVER" yaml:"server"`
	// TenantID is the Azure AD tenant id or one of the multi-tenant aliases
	// common, organizations and consumers.
	TenantID string `env:"ADFS_TENANT_ID" yaml:"tenant_id"`
	// Authority overrides the Azure AD login host.
	Authority string `env:"ADFS_AUTHORITY" yaml:"authority"`
	// Version selects the Azure AD endpoint version: v1.0 (default) or v2.0.
	Version string `env:"ADFS_VERSION" yaml:"version"`

	// ClientID is the application / relying party id; it is the accepted
	// audience unless Audience is set.
	ClientID string   `env:"ADFS_CLIENT_ID" yaml:"client_id"`
	Audience []string `env:"ADFS_AUDIENCE" yaml:"audience"`

	BlockGuestUsers    bool   `env:"ADFS_BLOCK_GUEST_USERS" yaml:"block_guest_users"`
	UsernameClaim      string `env:"ADFS_USERNAME_CLAIM" yaml:"username_claim"`
	GuestUsernameClaim string `env:"ADFS_GUEST_USERNAME_CLAIM" yaml:"guest_username_claim"`
	// GroupsClaim names the claim holding group memberships; "-" disables
	// group extraction.
	GroupsClaim string `env:"ADFS_GROUPS_CLAIM" yaml:"groups_claim"`

	ClaimMapping        map[string]string `yaml:"claim_mapping"`
	GroupToFlagMapping  map[string]string `yaml:"group_to_flag_mapping"`
	BooleanClaimMapping map[string]string `yaml:"boolean_claim_mapping"`

	AllowedAlgorithms []string `env:"ADFS_ALLOWED_ALGORITHMS" yaml:"allowed_algorithms"`
	// CABundle is a PEM file of roots trusted for provider connections, for
	// ADFS servers behind a private CA.
	CABundle string `env:"ADFS_CA_BUNDLE" yaml:"ca_bundle"`

	// Leeway is the clock skew tolerated on exp and nbf. Nil means 60
	// seconds; an explicit zero disables the tolerance. ENV: ADFS_LEEWAY
	Leeway             *time.Duration `yaml:"leeway"`
	Timeout            time.Duration  `env:"ADFS_TIMEOUT" yaml:"timeout"`
	KeyRefreshInterval time.Duration  `env:"ADFS_KEY_REFRESH_INTERVAL" yaml:"key_refresh_interval"`
	KeyMaxAge          time.Duration  `env:"ADFS_KEY_MAX_AGE" yaml:"key_max_age"`
}

// envDurations holds the optional durations, decoded as text so that an
// explicit "0s" can be told apart from an unset variable.
type envDurations struct {
	Leeway string `env:"ADFS_LEEWAY"`
}

// LoadSettingsFromEnv reads Settings from ADFS_* environment variables. List
// values are separated by semicolons.
func LoadSettingsFromEnv() (Settings, error) {
	var s Settings
	if err := envdecode.Decode(&s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Settings{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	var d envDurations
	if err := envdecode.Decode(&d); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Settings{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if v := strings.TrimSpace(d.Leeway); v != "" {
		leeway, err := time.ParseDuration(v)
		if err != nil {
			return Settings{}, fmt.Errorf("%w: ADFS_LEEWAY: %v", ErrConfiguration, err)
		}
		s.Leeway = &leeway
	}
	s.Normalize()
	return s, nil
}

// Normalize trims string fields and fills defaults in place.
func (s *Settings) Normalize() {
	s.Server = strings.TrimSpace(s.Server)
	s.TenantID = strings.TrimSpace(s.TenantID)
	s.Authority = strings.TrimSpace(s.Authority)
	s.ClientID = strings.TrimSpace(s.ClientID)
	if len(s.AllowedAlgorithms) == 0 {
		s.AllowedAlgorithms = []string{"RS256"}
	}
	if s.Leeway == nil {
		leeway := provider.DefaultLeeway
		s.Leeway = &leeway
	}
	if s.Timeout == 0 {
		s.Timeout = provider.DefaultTimeout
	}
	if s.TenantID != "" && s.Authority == "" {
		s.Authority = provider.DefaultAuthority
	}
}

// Copy returns a deep copy safe for mutation by the caller.
func (s Settings) Copy() Settings {
	dup := s
	if s.Leeway != nil {
		leeway := *s.Leeway
		dup.Leeway = &leeway
	}
	dup.Audience = append([]string(nil), s.Audience...)
	dup.AllowedAlgorithms = append([]string(nil), s.AllowedAlgorithms...)
	dup.ClaimMapping = maps.Clone(s.ClaimMapping)
	dup.GroupToFlagMapping = maps.Clone(s.GroupToFlagMapping)
	dup.BooleanClaimMapping = maps.Clone(s.BooleanClaimMapping)
	return dup
}

// providerOptions converts normalized settings. Runtime collaborators come
// from the Authenticator options.
func (s Settings) providerOptions(o *options) (provider.Options, error) {
	leeway := provider.DefaultLeeway
	if s.Leeway != nil {
		leeway = *s.Leeway
	}
	client := o.client
	if client == nil && s.CABundle != "" {
		var err error
		if client, err = clientWithCABundle(s.CABundle, s.Timeout); err != nil {
			return provider.Options{}, err
		}
	}
	return provider.Options{
		Server:              s.Server,
		TenantID:            s.TenantID,
		Authority:           s.Authority,
		Version:             s.Version,
		ClientID:            s.ClientID,
		Audience:            s.Audience,
		BlockGuestUsers:     s.BlockGuestUsers,
		UsernameClaim:       s.UsernameClaim,
		GuestUsernameClaim:  s.GuestUsernameClaim,
		GroupsClaim:         s.GroupsClaim,
		ClaimMapping:        s.ClaimMapping,
		GroupToFlagMapping:  s.GroupToFlagMapping,
		BooleanClaimMapping: s.BooleanClaimMapping,
		AllowedAlgorithms:   s.AllowedAlgorithms,
		Leeway:              leeway,
		Timeout:             s.Timeout,
		KeyRefreshInterval:  s.KeyRefreshInterval,
		KeyMaxAge:           s.KeyMaxAge,
		HTTPClient:          client,
		SharedCache:         o.cache,
		Logger:              o.log,
	}, nil
}

func clientWithCABundle(path string, timeout time.Duration) (*http.Client, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read CA bundle: %v", ErrConfiguration, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: CA bundle %s contains no certificates", ErrConfiguration, path)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}
