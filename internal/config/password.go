package config

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordConfig hashes and verifies reviewer passwords.
type PasswordConfig struct {
	BcryptCost int
	// Pepper is an optional global secret appended before hashing.
	Pepper string
}

// Passwords returns the password configuration of the server section.
func (s ServerConfig) Passwords() (*PasswordConfig, error) {
	c := &PasswordConfig{BcryptCost: s.BcryptCost, Pepper: s.PasswordPepper}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PasswordConfig) normalize() error {
	if c.BcryptCost < 10 || c.BcryptCost > 14 {
		return fmt.Errorf("bcrypt cost out of range: %d (must be 10-14)", c.BcryptCost)
	}
	return nil
}

func (c *PasswordConfig) peppered(pw string) []byte {
	return []byte(pw + c.Pepper)
}

// HashPassword hashes pw with bcrypt.
func (c *PasswordConfig) HashPassword(pw string) (string, error) {
	if pw == "" {
		return "", fmt.Errorf("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword(c.peppered(pw), c.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether pw matches storedHash.
func (c *PasswordConfig) VerifyPassword(pw, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), c.peppered(pw)) == nil
}
