package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyExpired is returned by InspectAPIKey for keys past their exp claim.
var ErrKeyExpired = errors.New("supabase api key expired")

// KeyInfo holds the claims of a Supabase API key that the runtime cares about.
type KeyInfo struct {
	Role      string
	Issuer    string
	ExpiresAt time.Time
}

// ServiceRole reports whether the key bypasses row level security.
func (k KeyInfo) ServiceRole() bool { return k.Role == "service_role" }

// InspectAPIKey reads the claims of key without verifying its signature;
// the project secret is not available to clients.
func InspectAPIKey(key string, now time.Time) (KeyInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return KeyInfo{}, fmt.Errorf("parse api key: %w", err)
	}

	info := KeyInfo{
		Role:   stringClaim(claims, "role"),
		Issuer: stringClaim(claims, "iss"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
		if now.After(exp.Time) {
			return info, fmt.Errorf("%w at %s", ErrKeyExpired, exp.Time.Format(time.RFC3339))
		}
	}
	return info, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
