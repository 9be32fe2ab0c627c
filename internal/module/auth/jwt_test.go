package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/infra/config"
)

const testSecret = "test-secret-key-that-is-long-enough"

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(config.AuthConfig{
		JWTSecret:         testSecret,
		AccessTokenExpiry: 15 * time.Minute,
		Issuer:            "test",
	})
	require.NoError(t, err)
	return m
}

func TestNewJWTManager(t *testing.T) {
	t.Run("requires secret", func(t *testing.T) {
		_, err := NewJWTManager(config.AuthConfig{})
		assert.ErrorIs(t, err, ErrMissingSecret)
	})

	t.Run("defaults expiry", func(t *testing.T) {
		m, err := NewJWTManager(config.AuthConfig{JWTSecret: testSecret})
		require.NoError(t, err)
		assert.Equal(t, time.Hour, m.expiry)
	})
}

func TestJWTManager_ValidateToken(t *testing.T) {
	manager := newManager(t)
	userID := uuid.New()

	t.Run("round trip", func(t *testing.T) {
		token, expiresAt, err := manager.GenerateAccessToken(userID)
		require.NoError(t, err)
		assert.True(t, expiresAt.After(time.Now()))

		got, err := manager.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		token, _, err := manager.GenerateAccessToken(userID)
		require.NoError(t, err)

		other, err := NewJWTManager(config.AuthConfig{JWTSecret: "another-secret-key-long-enough", Issuer: "test"})
		require.NoError(t, err)
		_, err = other.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects expired token", func(t *testing.T) {
		token, _, err := manager.GenerateAccessToken(userID)
		require.NoError(t, err)

		late := newManager(t)
		late.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = late.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects wrong issuer", func(t *testing.T) {
		other, err := NewJWTManager(config.AuthConfig{JWTSecret: testSecret, Issuer: "elsewhere"})
		require.NoError(t, err)
		token, _, err := other.GenerateAccessToken(userID)
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: userID})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = manager.ValidateToken(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := manager.ValidateToken("not.a.token")
		assert.Error(t, err)
	})
}
