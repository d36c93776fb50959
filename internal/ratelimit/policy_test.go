package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyResolver(t *testing.T) {
	ip := Policy{MaxRequests: 5, Window: time.Second}
	token := Policy{MaxRequests: 10, Window: time.Second}
	vip := Policy{MaxRequests: 100, Window: time.Minute}

	pr, err := NewPolicyResolver(ip, token, map[string]Policy{"vip": vip})
	require.NoError(t, err)

	assert.Equal(t, ip, pr.Resolve(IPKey("1.2.3.4")))
	assert.Equal(t, token, pr.Resolve(TokenKey("regular")))
	assert.Equal(t, vip, pr.Resolve(TokenKey("vip")))
}

func TestNewPolicyResolver_Invalid(t *testing.T) {
	good := Policy{MaxRequests: 1, Window: time.Second}

	_, err := NewPolicyResolver(Policy{}, good, nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Contains(t, err.Error(), "ip policy")

	_, err = NewPolicyResolver(good, Policy{MaxRequests: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Contains(t, err.Error(), "token policy")

	_, err = NewPolicyResolver(good, good, map[string]Policy{"bad": {Window: time.Second}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestPolicyResolver_CopiesOverrides(t *testing.T) {
	good := Policy{MaxRequests: 1, Window: time.Second}
	overrides := map[string]Policy{"a": good}

	pr, err := NewPolicyResolver(good, good, overrides)
	require.NoError(t, err)

	overrides["b"] = good
	assert.Len(t, pr.TokenOverrides, 1)
}

func TestPolicyResolver_Checks(t *testing.T) {
	ip := Policy{MaxRequests: 5, Window: time.Second}
	token := Policy{MaxRequests: 10, Window: 2 * time.Second}
	pr, err := NewPolicyResolver(ip, token, nil)
	require.NoError(t, err)

	checks := pr.Checks([]Key{IPKey("1.2.3.4"), TokenKey("t")})
	assert.Equal(t, []Check{
		{Key: "ip:1.2.3.4", Policy: ip},
		{Key: "token:t", Policy: token},
	}, checks)

	assert.Empty(t, pr.Checks(nil))
}
