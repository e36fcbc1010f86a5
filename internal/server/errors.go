// Package server provides the HTTP API for the dispute workflow.
package server

import (
	"errors"
	"net/http"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// ErrInvalidCredentials indicates invalid login credentials
type ErrInvalidCredentials struct{}

func (e *ErrInvalidCredentials) Error() string {
	return "invalid email or password"
}

// ErrUnauthorized indicates a missing or rejected bearer token
type ErrUnauthorized struct{}

func (e *ErrUnauthorized) Error() string {
	return "authentication required"
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return "validation error: " + e.Field + " - " + e.Message
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		creds        *ErrInvalidCredentials
		unauthorized *ErrUnauthorized
		validation   *ErrValidation
	)
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.As(err, &creds), errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &validation):
		return http.StatusBadRequest
	}

	switch faults.KindOf(err) {
	case faults.KindInvalidDecision, faults.KindInvalidInput, faults.KindValidationRejected:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindInvalidState, faults.KindAlreadyDecided, faults.KindConflict:
		return http.StatusConflict
	case faults.KindTransient, faults.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode returns the machine-readable code placed in error bodies.
func errorCode(err error) string {
	var (
		creds        *ErrInvalidCredentials
		unauthorized *ErrUnauthorized
		validation   *ErrValidation
	)
	switch {
	case errors.As(err, &creds):
		return "invalid_credentials"
	case errors.As(err, &unauthorized):
		return "unauthorized"
	case errors.As(err, &validation):
		return string(faults.KindInvalidInput)
	}
	return string(faults.KindOf(err))
}

// errorMessage returns the client-safe message for err. Collaborator and
// internal error text stays in the logs.
func errorMessage(err error) string {
	if fe, ok := faults.As(err); ok {
		switch fe.Kind {
		case faults.KindInternal:
			return "internal error"
		case faults.KindTransient:
			return "a downstream service is unavailable, please retry"
		case faults.KindPersistence:
			return "storage is unavailable, please retry"
		}
		if fe.Message != "" {
			return fe.Message
		}
	}
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
