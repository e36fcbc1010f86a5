package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_JWT(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		server  ServerConfig
		want    time.Duration
		wantErr bool
	}{
		{"defaults expiration", ServerConfig{JWTSecret: secret}, 24 * time.Hour, false},
		{"custom expiration", ServerConfig{JWTSecret: secret, JWTExpirationHours: 2}, 2 * time.Hour, false},
		{"missing secret", ServerConfig{}, 0, true},
		{"short secret", ServerConfig{JWTSecret: "short"}, 0, true},
		{"negative expiration", ServerConfig{JWTSecret: secret, JWTExpirationHours: -1}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.server.JWT()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Expiration())
		})
	}
}
