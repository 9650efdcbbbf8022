package jwt

import (
	"testing"
	"time"

	"gigmarket/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(expire time.Duration) *JWTService {
	return NewJWTService(config.JWTConfig{
		Secret:     "test-secret",
		ExpireTime: expire,
		Issuer:     "gigmarket-test",
	})
}

func TestTokenRoundTrip(t *testing.T) {
	svc := testService(time.Hour)

	token, err := svc.GenerateToken("42", map[string]interface{}{
		"username": "alice",
		"role":     "worker",
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "alice", claims.Data["username"])
	assert.Equal(t, "worker", claims.Data["role"])
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := testService(-time.Minute)

	token, err := svc.GenerateToken("42", nil)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := testService(time.Hour).GenerateToken("42", nil)
	require.NoError(t, err)

	other := NewJWTService(config.JWTConfig{
		Secret:     "different-secret",
		ExpireTime: time.Hour,
		Issuer:     "gigmarket-test",
	})
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestGenerateRequiresUserID(t *testing.T) {
	_, err := testService(time.Hour).GenerateToken("", nil)
	assert.Error(t, err)
}
