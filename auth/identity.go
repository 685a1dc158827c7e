package auth

import (
	"context"
	"maps"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ggoodman/adfs-auth-go/internal/claims"
)

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

var _ UserInfo = (*Identity)(nil)

// Identity is the local user a validated token resolves to. It is immutable.
type Identity struct {
	Username string
	Subject  string
	Issuer   string
	TenantID string
	Guest    bool
	// Token is the bearer token the identity was resolved from.
	Token string

	groups     mapset.Set[string]
	sorted     []string
	attributes map[string]any
	flags      map[string]bool
	claims     *claims.Normalized
}

func newIdentity(token string, n *claims.Normalized, m *claims.Mapped) *Identity {
	return &Identity{
		Username:   m.Username,
		Subject:    n.Subject,
		Issuer:     n.Issuer,
		TenantID:   n.TenantID,
		Guest:      n.Guest,
		Token:      token,
		groups:     m.Groups,
		sorted:     m.SortedGroups(),
		attributes: m.Attributes,
		flags:      m.Flags,
		claims:     n,
	}
}

// UserID returns the username.
func (i *Identity) UserID() string { return i.Username }

// Claims decodes the token's claims into ref.
func (i *Identity) Claims(ref any) error { return i.claims.Decode(ref) }

// Claim returns a single raw claim.
func (i *Identity) Claim(name string) (any, bool) { return i.claims.Claim(name) }

// Groups returns the user's groups, deduplicated and sorted.
func (i *Identity) Groups() []string { return append([]string(nil), i.sorted...) }

// HasGroup reports group membership.
func (i *Identity) HasGroup(group string) bool { return i.groups.Contains(group) }

// Attribute returns a mapped attribute such as first_name.
func (i *Identity) Attribute(name string) (any, bool) {
	v, ok := i.attributes[name]
	return v, ok
}

// Attributes returns a copy of all mapped attributes.
func (i *Identity) Attributes() map[string]any { return maps.Clone(i.attributes) }

// Flag returns a mapped boolean flag such as is_staff. Unmapped flags are false.
func (i *Identity) Flag(name string) bool { return i.flags[name] }

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
