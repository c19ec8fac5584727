// Package session issues and validates signed, expiring session tokens.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"nasdrive/internal/common"
)

// Claims carries the username in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager is stateless apart from its key; tokens cannot be revoked before
// they expire.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: empty secret")
	}
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	return &Manager{secret: secret, ttl: ttl, now: time.Now}, nil
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue returns a token for username valid for the manager's TTL.
func (m *Manager) Issue(username string) (string, error) {
	if username == "" {
		return "", errors.New("session: empty username")
	}
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	})
	s, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Validate returns the username bound to token. Expired tokens with a good
// signature yield common.ErrAuthExpired; anything else that fails yields
// common.ErrAuthInvalid.
func (m *Manager) Validate(token string) (string, error) {
	if token == "" {
		return "", common.ErrAuthInvalid
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		// signature is checked before claims, so expiry implies a valid signature
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrAuthExpired
		}
		return "", common.ErrAuthInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", common.ErrAuthInvalid
	}
	return claims.Subject, nil
}
