package claims

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/spf13/cast"
)

// NoGroups as GroupsClaim disables group extraction.
const NoGroups = "-"

// Policy controls how claims become an identity.
type Policy struct {
	UsernameClaim      string
	GuestUsernameClaim string // used instead of UsernameClaim for guests when set
	GroupsClaim        string
	BlockGuests        bool

	// ClaimMapping maps identity attribute names to claim names,
	// e.g. "first_name" -> "given_name".
	ClaimMapping map[string]string
	// GroupToFlagMapping sets a flag when the user is in the named group,
	// e.g. "is_staff" -> "Administrators".
	GroupToFlagMapping map[string]string
	// BooleanClaimMapping sets a flag from a boolean-ish claim value.
	BooleanClaimMapping map[string]string
}

// Mapped is the local identity derived from Normalized claims.
type Mapped struct {
	Username   string
	Groups     mapset.Set[string]
	Attributes map[string]any
	Flags      map[string]bool
}

// SortedGroups returns the group set in lexical order.
func (m *Mapped) SortedGroups() []string {
	out := m.Groups.ToSlice()
	slices.Sort(out)
	return out
}

// Mapper applies a Policy. It holds no mutable state.
type Mapper struct {
	policy Policy
}

// NewMapper returns a Mapper for p.
func NewMapper(p Policy) *Mapper {
	return &Mapper{policy: p}
}

// Map resolves the identity for n. Blocked guests fail with
// autherr.ErrGuestBlocked; a missing username claim fails with
// autherr.ErrMalformedToken.
func (m *Mapper) Map(n *Normalized) (*Mapped, error) {
	p := m.policy
	if p.BlockGuests && n.Guest {
		return nil, fmt.Errorf("%w: tenant %q", autherr.ErrGuestBlocked, n.TenantID)
	}

	usernameClaim := p.UsernameClaim
	if n.Guest && p.GuestUsernameClaim != "" {
		usernameClaim = p.GuestUsernameClaim
	}
	username := stringClaim(n.raw, usernameClaim)
	if username == "" {
		return nil, fmt.Errorf("%w: username claim %q missing", autherr.ErrMalformedToken, usernameClaim)
	}

	out := &Mapped{
		Username:   username,
		Groups:     mapset.NewSet[string](),
		Attributes: make(map[string]any, len(p.ClaimMapping)),
		Flags:      make(map[string]bool, len(p.GroupToFlagMapping)+len(p.BooleanClaimMapping)),
	}
	if p.GroupsClaim != "" && p.GroupsClaim != NoGroups {
		out.Groups = Groups(n.raw[p.GroupsClaim])
	}

	for attr, claim := range p.ClaimMapping {
		if v, ok := n.raw[claim]; ok {
			out.Attributes[attr] = v
		}
	}
	for flag, group := range p.GroupToFlagMapping {
		out.Flags[flag] = out.Groups.Contains(group)
	}
	for flag, claim := range p.BooleanClaimMapping {
		b, err := cast.ToBoolE(n.raw[claim])
		out.Flags[flag] = err == nil && b
	}

	return out, nil
}
