package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_Passwords(t *testing.T) {
	_, err := ServerConfig{BcryptCost: 9}.Passwords()
	assert.Error(t, err)
	_, err = ServerConfig{BcryptCost: 15}.Passwords()
	assert.Error(t, err)

	cfg, err := ServerConfig{BcryptCost: 10, PasswordPepper: "pepper"}.Passwords()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.BcryptCost)
}

func TestPasswordConfig_HashAndVerify(t *testing.T) {
	cfg := &PasswordConfig{BcryptCost: 10}

	hash, err := cfg.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.True(t, cfg.VerifyPassword("correct horse", hash))
	assert.False(t, cfg.VerifyPassword("wrong", hash))

	_, err = cfg.HashPassword("")
	assert.Error(t, err)
}

func TestPasswordConfig_Pepper(t *testing.T) {
	peppered := &PasswordConfig{BcryptCost: 10, Pepper: "s3cret"}
	plain := &PasswordConfig{BcryptCost: 10}

	hash, err := peppered.HashPassword("pw")
	require.NoError(t, err)
	assert.True(t, peppered.VerifyPassword("pw", hash))
	assert.False(t, plain.VerifyPassword("pw", hash))
}
