package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/agenthub/internal/domain"
)

func TestAuthService_IssueAndValidate(t *testing.T) {
	auth := NewAuthService(AuthConfig{JWTSecret: "secret", Issuer: "agenthub"})

	pair, err := auth.IssueTokenPair("alice")
	require.NoError(t, err)

	caller, err := auth.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", caller)

	_, err = auth.ValidateToken(pair.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "refresh token is not an access token")

	_, err = auth.IssueTokenPair("")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAuthService_Refresh(t *testing.T) {
	auth := NewAuthService(AuthConfig{JWTSecret: "secret"})

	pair, err := auth.IssueTokenPair("bob")
	require.NoError(t, err)

	next, err := auth.RefreshAccessToken(pair.RefreshToken)
	require.NoError(t, err)
	caller, err := auth.ValidateToken(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "bob", caller)

	_, err = auth.RefreshAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthService_RejectsForeignTokens(t *testing.T) {
	auth := NewAuthService(AuthConfig{JWTSecret: "secret", Issuer: "agenthub"})

	other := NewAuthService(AuthConfig{JWTSecret: "other-secret", Issuer: "agenthub"})
	pair, err := other.IssueTokenPair("mallory")
	require.NoError(t, err)
	_, err = auth.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	wrongIssuer := NewAuthService(AuthConfig{JWTSecret: "secret", Issuer: "someone-else"})
	pair, err = wrongIssuer.IssueTokenPair("mallory")
	require.NoError(t, err)
	_, err = auth.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "mallory", "type": "access", "iss": "agenthub"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(unsigned)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = auth.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthService_ExpiredAccessToken(t *testing.T) {
	auth := NewAuthService(AuthConfig{JWTSecret: "secret"})
	issued := time.Now().Add(-time.Hour)
	auth.now = func() time.Time { return issued }

	pair, err := auth.IssueTokenPair("alice")
	require.NoError(t, err)

	auth.now = time.Now
	_, err = auth.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// The refresh token is still valid for a week.
	_, err = auth.RefreshAccessToken(pair.RefreshToken)
	assert.NoError(t, err)
}
