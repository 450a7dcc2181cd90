package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"cadenza/pkg/models"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound must be returned by a UserStore lookup that matches no account.
var ErrNotFound = errors.New("user not found")

// ErrDuplicate must be returned by UserStore.Create for a taken username.
var ErrDuplicate = errors.New("user already exists")

// UserStore is the persistent identity store used by the Service.
type UserStore interface {
	FindByUsername(username string) (*models.User, error)
	FindByID(id string) (*models.User, error)
	Create(user models.User) error
	CountAdmins() (int, error)
}

// bcryptCost is lowered by tests
var bcryptCost = 12

// hashPassword hashes a plaintext password using bcrypt
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// checkPassword reports whether password matches the stored bcrypt hash
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// generateRandomPassword generates a cryptographically secure random password
func generateRandomPassword(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	// Convert to hex string for readability
	return hex.EncodeToString(bytes)[:length], nil
}
