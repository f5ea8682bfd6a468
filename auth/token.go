// Package auth implements the stateless admin session model: HS256
// bearer tokens carrying subject and role, and constant-time credential
// verification against configured admin and viewer accounts.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"feedbackcore.org/common"
)

// Roles carried in tokens.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Sentinel errors for token handling.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the token payload: {sub, role, iat, exp}.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies bearer tokens.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokenService creates a token service. An empty secret is rejected
// at configuration validation for production; in development a default
// is generated per process.
func NewTokenService(secret string, lifetime time.Duration) *TokenService {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), lifetime: lifetime}
}

// Secret exposes the signing key for the HTTP middleware.
func (s *TokenService) Secret() []byte { return s.secret }

// Issue signs a token for the subject with the given role.
func (s *TokenService) Issue(subject, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", common.E(common.KindInternal, "failed to sign token", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleViewer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Lifetime returns the configured token validity window.
func (s *TokenService) Lifetime() time.Duration { return s.lifetime }
