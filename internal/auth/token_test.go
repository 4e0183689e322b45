// ABOUTME: Tests for rollout agent token minting and verification
// ABOUTME: Covers round trips, wrong secrets, expiry, and malformed tokens

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Mint(42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rolloutID, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rolloutID)
}

func TestTokenWrongSecret(t *testing.T) {
	a, err := NewTokenIssuer("secret-a", time.Hour)
	require.NoError(t, err)
	b, err := NewTokenIssuer("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := a.Mint(1)
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpired(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", -time.Minute)
	require.NoError(t, err)

	token, err := issuer.Mint(1)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenGarbage(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	_, err = issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewTokenIssuer("", time.Hour)
	assert.Error(t, err)
}
