// Package auth issues and verifies bearer tokens for the control API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/limiquantix/modmgmt/internal/config"
)

// Role is the access level carried in a token.
type Role string

const (
	// RoleViewer may call the Get operations.
	RoleViewer Role = "viewer"
	// RoleOperator may also change port and management configuration.
	RoleOperator Role = "operator"
)

// ParseRole validates a role name.
func ParseRole(v string) (Role, error) {
	switch r := Role(v); r {
	case RoleViewer, RoleOperator:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", v)
}

const (
	issuer   = "modmgmt"
	audience = "modmgmt-control"
)

// Claims are the JWT claims of a control API token.
type Claims struct {
	Operator string `json:"operator"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager handles token generation and verification.
type JWTManager struct {
	secret      []byte
	tokenExpiry time.Duration
	now         func() time.Time
}

// NewJWTManager creates a new JWT manager with the given configuration.
func NewJWTManager(cfg config.AuthConfig) (*JWTManager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: jwt secret is empty")
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &JWTManager{
		secret:      []byte(cfg.JWTSecret),
		tokenExpiry: expiry,
		now:         time.Now,
	}, nil
}

// Token is a signed access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"`
}

// Generate signs a token for operator with role.
func (m *JWTManager) Generate(operator string, role Role) (*Token, error) {
	if operator == "" {
		return nil, errors.New("auth: operator is empty")
	}
	now := m.now()
	expiresAt := now.Add(m.tokenExpiry)

	claims := &Claims{
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s-%d", operator, now.UnixNano()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return &Token{AccessToken: signed, ExpiresAt: expiresAt, TokenType: "Bearer"}, nil
}

// Verify validates a token and returns the claims if valid.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenExpiry returns the access token lifetime.
func (m *JWTManager) TokenExpiry() time.Duration {
	return m.tokenExpiry
}
