package iscsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChapResponseValidation(t *testing.T) {
	state, err := NewChapState(false)
	require.NoError(t, err)

	secret := "mysecret"
	response := state.CalculateResponse(secret)
	assert.True(t, state.ValidateResponse(response, secret))

	bad := append([]byte(nil), response...)
	bad[0] ^= 1
	assert.False(t, state.ValidateResponse(bad, secret))

	assert.False(t, state.ValidateResponse(response, "wrongsecret"))
}

func TestChapChallengeGenerationIsRandom(t *testing.T) {
	s1, err := NewChapState(false)
	require.NoError(t, err)
	s2, err := NewChapState(false)
	require.NoError(t, err)

	assert.NotEqual(t, s1.Challenge, s2.Challenge)
}

func TestChapValidateResponseLengthMismatch(t *testing.T) {
	state, err := NewChapState(false)
	require.NoError(t, err)
	assert.False(t, state.ValidateResponse([]byte{1, 2, 3}, "secret"))
}

func TestParseChapResponseHexAndPrefixed(t *testing.T) {
	b, err := ParseChapResponse("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b2, err := ParseChapResponse("0xDEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b2)
}

func TestParseChapResponseRejectsBadHex(t *testing.T) {
	_, err := ParseChapResponse("not-hex")
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestAuthConfig(t *testing.T) {
	none := AuthConfig{Kind: AuthNone}
	assert.False(t, none.RequiresAuth())
	assert.False(t, none.IsMutual())

	chap := AuthConfig{Kind: AuthChap, TargetCredentials: ChapCredentials{Username: "user", Secret: "secret"}}
	assert.True(t, chap.RequiresAuth())
	assert.False(t, chap.IsMutual())

	mutual := AuthConfig{
		Kind:                 AuthMutualChap,
		TargetCredentials:    ChapCredentials{Username: "target", Secret: "secret1"},
		InitiatorCredentials: ChapCredentials{Username: "initiator", Secret: "secret2"},
	}
	assert.True(t, mutual.RequiresAuth())
	assert.True(t, mutual.IsMutual())
}
