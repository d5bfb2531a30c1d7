package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, expiresAt, err := svc.Issue(1001, "device-a")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), claims.UserID)
	assert.Equal(t, "device-a", claims.DeviceID)
}

func TestValidate_WrongSecret(t *testing.T) {
	token, _, err := NewService("secret-a", time.Hour).Issue(1, "d")
	require.NoError(t, err)

	_, err = NewService("secret-b", time.Hour).Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidate_Expired(t *testing.T) {
	svc := NewService("test-secret", -time.Minute)

	token, _, err := svc.Issue(1, "d")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidate_Garbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	_, err := svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidate_RejectsMissingUser(t *testing.T) {
	secret := "test-secret"
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    Issuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = NewService(secret, time.Hour).Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
