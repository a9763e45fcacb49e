package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", "proctor-platform")

	token, err := v.Generate("user-1", "invigilator", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "invigilator", claims.Role)
	assert.Equal(t, "proctor-platform", claims.Issuer)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-a", "proctor-platform")
	verifier := NewVerifier("secret-b", "proctor-platform")

	token, err := issuer.Generate("user-1", "student", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("test-secret", "")

	token, err := v.Generate("user-1", "student", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	other := NewVerifier("test-secret", "someone-else")
	v := NewVerifier("test-secret", "proctor-platform")

	token, err := other.Generate("user-1", "student", time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier("test-secret", "")
	_, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
