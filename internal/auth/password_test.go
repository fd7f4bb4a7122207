package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestOperatorsAuthenticate(t *testing.T) {
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ops := NewOperators(map[string]string{"Alice": hash})

	tests := []struct {
		name     string
		operator string
		password string
		want     error
	}{
		{"valid", "alice", "correct horse", nil},
		{"case-insensitive name", " ALICE ", "correct horse", nil},
		{"wrong password", "alice", "battery staple", ErrInvalidCredentials},
		{"unknown operator", "bob", "correct horse", ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ops.Authenticate(tt.operator, tt.password); err != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestHashPasswordRejectsLongInput(t *testing.T) {
	long := make([]byte, MaxPasswordLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := HashPassword(string(long), bcrypt.MinCost); err == nil {
		t.Error("Expected error for overlong password")
	}
}
