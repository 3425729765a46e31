package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// SessionSigner mints and validates the short-lived tokens the wallet
// presents to the remote account authority.
type SessionSigner struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// Claims represents the JWT claims of a wallet session.
type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// NewSessionSigner creates a signer with the given shared secret and token lifetime.
func NewSessionSigner(secretKey string, tokenDuration time.Duration) *SessionSigner {
	return &SessionSigner{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Sign creates a new token for the given account identity.
func (s *SessionSigner) Sign(identity string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// Validate parses and validates a token, returning the claims if valid.
func (s *SessionSigner) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Identity == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
