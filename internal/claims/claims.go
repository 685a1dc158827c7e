// Package claims turns validated token claims into a local identity and
// applies account policy.
package claims

import (
	"encoding/json"
	"maps"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cast"
)

// Normalized is the claim set of a token that passed signature, issuer,
// audience and time checks. It is read-only after New returns.
type Normalized struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time // zero when the token has no nbf
	IssuedAt  time.Time // zero when the token has no iat
	TenantID  string
	Guest     bool

	raw map[string]any
}

// New builds a Normalized view over raw. raw is copied.
func New(raw map[string]any, guest bool) *Normalized {
	cp := maps.Clone(raw)
	if cp == nil {
		cp = map[string]any{}
	}
	mc := jwt.MapClaims(cp)

	n := &Normalized{Guest: guest, raw: cp}
	n.Subject, _ = mc.GetSubject()
	n.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		n.Audience = []string(aud)
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		n.ExpiresAt = exp.Time
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		n.NotBefore = nbf.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		n.IssuedAt = iat.Time
	}
	n.TenantID = stringClaim(cp, "tid")
	return n
}

// Claim returns a single raw claim value.
func (n *Normalized) Claim(name string) (any, bool) {
	v, ok := n.raw[name]
	return v, ok
}

// Raw returns a copy of the raw claim map.
func (n *Normalized) Raw() map[string]any { return maps.Clone(n.raw) }

// Decode unmarshals the raw claims into ref.
func (n *Normalized) Decode(ref any) error {
	b, err := json.Marshal(n.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Groups normalizes a group claim that may be absent, a single string or a
// list into a set. Empty entries are dropped.
func Groups(v any) mapset.Set[string] {
	set := mapset.NewSet[string]()
	switch g := v.(type) {
	case nil:
	case string:
		if g != "" {
			set.Add(g)
		}
	case []string:
		for _, s := range g {
			if s != "" {
				set.Add(s)
			}
		}
	case []any:
		for _, e := range g {
			s, err := cast.ToStringE(e)
			if err == nil && s != "" {
				set.Add(s)
			}
		}
	}
	return set
}

func stringClaim(raw map[string]any, name string) string {
	s, _ := raw[name].(string)
	return s
}
