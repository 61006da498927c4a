package users

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultCost       = bcrypt.DefaultCost
	MinPasswordLength = 8
)

var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// HashPassword returns the bcrypt hash stored in auth.admins[].password_hash.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func validateHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		if errors.Is(err, bcrypt.ErrHashTooShort) {
			return fmt.Errorf("password hash is too short to be bcrypt")
		}
		return fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	return nil
}
