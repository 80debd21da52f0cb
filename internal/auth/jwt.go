// Package auth is a minimal bearer-token gate for the ops HTTP surface:
// one operator-shared secret, one mutating endpoint
// (POST /projects/:id/runs/trigger) to protect.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers any unparseable, mis-signed, or expired token.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Claims is the operator token's claim set, just enough to identify
// who triggered a manual run.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Manager issues and validates operator bearer tokens.
type Manager struct {
	secret   []byte
	duration time.Duration
}

// NewManager builds a Manager signing/validating with secret, issuing
// tokens valid for duration.
func NewManager(secret string, duration time.Duration) *Manager {
	return &Manager{secret: []byte(secret), duration: duration}
}

// IssueToken signs a new operator token naming operator in its Operator
// claim and its Subject.
func (m *Manager) IssueToken(operator string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			Issuer:    "strategy-runner",
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a bearer token, returning its
// claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
