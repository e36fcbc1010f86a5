package config

import (
	"fmt"
	"time"
)

// minJWTSecretLength keeps HS256 keys at least as long as the hash output.
const minJWTSecretLength = 32

// JWTConfig holds configuration for reviewer token generation and validation.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// JWT returns the token configuration of the server section. It fails when
// no usable secret is configured.
func (s ServerConfig) JWT() (*JWTConfig, error) {
	c := &JWTConfig{Secret: s.JWTSecret, ExpirationHours: s.JWTExpirationHours}
	if c.ExpirationHours == 0 {
		c.ExpirationHours = 24
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// Expiration returns the token lifetime.
func (c *JWTConfig) Expiration() time.Duration {
	return time.Duration(c.ExpirationHours) * time.Hour
}

func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("server.jwt_secret (JWT_SECRET) is required for reviewer auth")
	}
	if len(c.Secret) < minJWTSecretLength {
		return fmt.Errorf("server.jwt_secret must be at least %d characters, got %d", minJWTSecretLength, len(c.Secret))
	}
	if c.ExpirationHours < 1 {
		return fmt.Errorf("server.jwt_expiration_hours must be at least 1 hour, got: %d", c.ExpirationHours)
	}
	return nil
}
