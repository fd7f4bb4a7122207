package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MaxPasswordLength bounds bcrypt input
	MaxPasswordLength = 72
)

var ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator or password"}

// HashPassword hashes a password using bcrypt
func HashPassword(password string, cost int) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", fmt.Errorf("password too long")
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// Operators holds the bcrypt password hash of every operator allowed to
// request a token.
type Operators struct {
	hashes map[string]string
}

// NewOperators builds the credential set. Names are case-insensitive.
func NewOperators(hashes map[string]string) *Operators {
	o := &Operators{hashes: make(map[string]string, len(hashes))}
	for name, hash := range hashes {
		o.hashes[strings.ToLower(strings.TrimSpace(name))] = hash
	}
	return o
}

// Len returns the number of configured operators.
func (o *Operators) Len() int {
	return len(o.hashes)
}

// Authenticate checks an operator's password.
func (o *Operators) Authenticate(operator, password string) error {
	hash, ok := o.hashes[strings.ToLower(strings.TrimSpace(operator))]
	if !ok || len(password) > MaxPasswordLength {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
