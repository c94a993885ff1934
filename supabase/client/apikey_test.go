package client

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signKey(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("project-secret"))
	require.NoError(t, err)
	return s
}

func TestInspectAPIKey(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(24 * time.Hour)
	key := signKey(t, jwt.MapClaims{"role": "anon", "iss": "supabase", "exp": exp.Unix()})

	info, err := InspectAPIKey(key, now)
	require.NoError(t, err)
	assert.Equal(t, "anon", info.Role)
	assert.Equal(t, "supabase", info.Issuer)
	assert.True(t, info.ExpiresAt.Equal(exp))
	assert.False(t, info.ServiceRole())
}

func TestInspectAPIKey_ServiceRoleWithoutExpiry(t *testing.T) {
	info, err := InspectAPIKey(signKey(t, jwt.MapClaims{"role": "service_role"}), time.Now())
	require.NoError(t, err)
	assert.True(t, info.ServiceRole())
	assert.True(t, info.ExpiresAt.IsZero())
}

func TestInspectAPIKey_Expired(t *testing.T) {
	now := time.Now()
	key := signKey(t, jwt.MapClaims{"role": "anon", "exp": now.Add(-time.Minute).Unix()})

	info, err := InspectAPIKey(key, now)
	assert.ErrorIs(t, err, ErrKeyExpired)
	assert.Equal(t, "anon", info.Role)
}

func TestInspectAPIKey_NotAJWT(t *testing.T) {
	_, err := InspectAPIKey("sb_publishable_abc123", time.Now())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyExpired)
}
