package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	svc := NewJWTService("s3cret", time.Hour)
	token, err := svc.Generate("op-1", "ops@example.com", RoleOperator)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.OperatorID)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestJWT_Rejects(t *testing.T) {
	svc := NewJWTService("s3cret", time.Hour)

	other, err := NewJWTService("different", time.Hour).Generate("op-1", "", RoleAdmin)
	require.NoError(t, err)
	_, err = svc.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewJWTService("s3cret", -time.Minute).Generate("op-1", "", RoleAdmin)
	require.NoError(t, err)
	_, err = svc.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{OperatorID: "op-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Validate(noneToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	anonymous, err := svc.Generate("", "", RoleAdmin)
	require.NoError(t, err)
	_, err = svc.Validate(anonymous)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
