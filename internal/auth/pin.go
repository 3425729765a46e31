// Package auth handles transaction PINs and the session tokens presented to
// the remote account authority.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

// ErrWeakPIN is returned when a new PIN is not 4 to 6 digits.
var ErrWeakPIN = errors.New("PIN must be 4 to 6 digits")

// PINHasher hashes and verifies transaction PINs. It lets tests trade
// bcrypt's cost for speed without touching the executor.
type PINHasher interface {
	// Hash validates and hashes a new PIN.
	Hash(pin string) (string, error)

	// Verify returns models.ErrAuthorization when pin does not match hash.
	Verify(hash, pin string) error
}

// BcryptPIN implements PINHasher with bcrypt.
type BcryptPIN struct {
	cost int
}

// NewBcryptPIN creates a hasher. A cost of zero means bcrypt.DefaultCost.
func NewBcryptPIN(cost int) *BcryptPIN {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPIN{cost: cost}
}

// ValidatePIN checks that pin is 4 to 6 ASCII digits.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 6 {
		return ErrWeakPIN
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return ErrWeakPIN
		}
	}
	return nil
}

// Hash implements PINHasher.
func (b *BcryptPIN) Hash(pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), b.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash PIN: %w", err)
	}
	return string(hashed), nil
}

// Verify implements PINHasher. The comparison is constant time.
func (b *BcryptPIN) Verify(hash, pin string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return models.ErrAuthorization
	}
	return nil
}
