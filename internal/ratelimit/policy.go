package ratelimit

import "fmt"

// PolicyResolver maps keys to the policy of their scheme. Tokens listed in
// TokenOverrides get their own policy instead of the token default.
type PolicyResolver struct {
	IP             Policy
	Token          Policy
	TokenOverrides map[string]Policy
}

// NewPolicyResolver validates every policy and returns a resolver.
func NewPolicyResolver(ip, token Policy, overrides map[string]Policy) (*PolicyResolver, error) {
	if err := ip.Validate(); err != nil {
		return nil, fmt.Errorf("ip policy: %w", err)
	}
	if err := token.Validate(); err != nil {
		return nil, fmt.Errorf("token policy: %w", err)
	}

	copied := make(map[string]Policy, len(overrides))
	for tok, p := range overrides {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("token override %q: %w", tok, err)
		}
		copied[tok] = p
	}

	return &PolicyResolver{IP: ip, Token: token, TokenOverrides: copied}, nil
}

// Resolve returns the policy applied to key.
func (pr *PolicyResolver) Resolve(key Key) Policy {
	if key.Scheme() == SchemeToken {
		if p, ok := pr.TokenOverrides[key.Value()]; ok {
			return p
		}
		return pr.Token
	}
	return pr.IP
}

// Checks pairs each key with its policy.
func (pr *PolicyResolver) Checks(keys []Key) []Check {
	checks := make([]Check, 0, len(keys))
	for _, k := range keys {
		checks = append(checks, Check{Key: k, Policy: pr.Resolve(k)})
	}
	return checks
}
