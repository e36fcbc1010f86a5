//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReviewerRequest_Validation(t *testing.T) {
	validate := validator.New()

	tests := []struct {
		name    string
		request CreateReviewerRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid request",
			request: CreateReviewerRequest{
				Name:     "Dana Reviewer",
				Email:    "dana@example.com",
				Password: "password123",
			},
			wantErr: false,
		},
		{
			name: "missing name",
			request: CreateReviewerRequest{
				Email:    "dana@example.com",
				Password: "password123",
			},
			wantErr: true,
			errMsg:  "required",
		},
		{
			name: "invalid email",
			request: CreateReviewerRequest{
				Name:     "Dana Reviewer",
				Email:    "not-an-email",
				Password: "password123",
			},
			wantErr: true,
			errMsg:  "email",
		},
		{
			name: "short password",
			request: CreateReviewerRequest{
				Name:     "Dana Reviewer",
				Email:    "dana@example.com",
				Password: "short",
			},
			wantErr: true,
			errMsg:  "min",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.request)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoginRequest_ValidateMethod(t *testing.T) {
	req := &LoginRequest{Email: "dana@example.com", Password: "secret"}
	assert.NoError(t, req.Validate())

	req = &LoginRequest{Email: "dana@example.com"}
	assert.Error(t, req.Validate())
}

func TestLoginResponse_Serialization(t *testing.T) {
	id := uuid.New()
	resp := LoginResponse{
		Reviewer: &Reviewer{
			ID:        id,
			Name:      "Dana Reviewer",
			Email:     "dana@example.com",
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Token: "token-value",
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "token-value", decoded["token"])
	reviewer := decoded["reviewer"].(map[string]any)
	assert.Equal(t, id.String(), reviewer["id"])
	assert.NotContains(t, reviewer, "password_hash")
}
