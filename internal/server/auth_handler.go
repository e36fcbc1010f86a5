package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// AuthHandler handles reviewer login.
type AuthHandler struct {
	reviewers Reviewers
	passwords *config.PasswordConfig
	jwt       *JWTService
	logger    *slog.Logger
}

// NewAuthHandler creates a new AuthHandler with the given dependencies.
func NewAuthHandler(reviewers Reviewers, passwords *config.PasswordConfig, jwt *JWTService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{reviewers: reviewers, passwords: passwords, jwt: jwt, logger: logger}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authHandler == nil {
		s.writeError(w, r, &ErrUnauthorized{})
		return
	}
	var req types.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.authHandler.Login(r, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// Login checks the credentials and issues a token.
func (h *AuthHandler) Login(r *http.Request, req *types.LoginRequest) (*types.LoginResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &ErrValidation{Message: extractValidationErrors(err)}
	}

	rec, err := h.reviewers.GetReviewerByEmail(r.Context(), req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up reviewer: %w", err)
	}
	// Unknown emails and wrong passwords are indistinguishable to the client.
	if rec == nil || !h.passwords.VerifyPassword(req.Password, rec.PasswordHash) {
		h.logger.Warn("login failed", "email", req.Email)
		return nil, &ErrInvalidCredentials{}
	}

	token, err := h.jwt.GenerateToken(rec.ID, rec.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	h.logger.Info("reviewer logged in", "reviewer_id", rec.ID)
	return &types.LoginResponse{
		Reviewer: &types.Reviewer{ID: rec.ID, Name: rec.Name, Email: rec.Email, CreatedAt: rec.CreatedAt},
		Token:    token,
	}, nil
}

// extractValidationErrors extracts validation error messages from validator errors.
func extractValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok && len(validationErrors) > 0 {
		ve := validationErrors[0]
		return fmt.Sprintf("%s - %s", ve.Field(), ve.Tag())
	}
	return "invalid request"
}
