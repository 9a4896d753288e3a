package worker

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallClaims scope a worker call token to one (organization, plugin) pair.
type CallClaims struct {
	OrgID    string `json:"org"`
	PluginID string `json:"plugin"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies the HS256 call tokens placed in a worker's
// environment. Tokens are the only credential a worker holds for the
// platform's internal API.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer. ttl <= 0 defaults to 24h, the longest a
// worker is expected to live between restarts.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for the given worker slot.
func (i *TokenIssuer) Issue(orgID, pluginID string) (string, error) {
	now := time.Now()
	claims := CallClaims{
		OrgID:    orgID,
		PluginID: pluginID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   orgID + "/" + pluginID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign call token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a call token, returning its claims.
func (i *TokenIssuer) Verify(token string) (*CallClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &CallClaims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("verify call token: %w", err)
	}
	claims, ok := parsed.Claims.(*CallClaims)
	if !ok || claims.OrgID == "" || claims.PluginID == "" {
		return nil, fmt.Errorf("call token missing worker scope")
	}
	return claims, nil
}
