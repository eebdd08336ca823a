package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/sumire/agenthub/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown capability", fmt.Errorf("%w: %q", domain.ErrUnknownCapability, "x"), http.StatusNotFound, "unknown_capability"},
		{"invalid arguments", fmt.Errorf("%w: bad", domain.ErrInvalidArguments), http.StatusBadRequest, "invalid_arguments"},
		{"timeout", fmt.Errorf("%w: grep_search", domain.ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{"invalid transition", fmt.Errorf("move: %w", domain.ErrInvalidTransition), http.StatusConflict, "invalid_state"},
		{"invalid state", domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{"storage", fmt.Errorf("%w: connection refused", domain.ErrStorage), http.StatusServiceUnavailable, "storage_unavailable"},
		{"job not found", domain.ErrJobNotFound, http.StatusNotFound, "not_found"},
		{"unauthorized", domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"invalid input", fmt.Errorf("%w: read body", domain.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{"validation", &domain.ValidationError{Field: "limit", Message: "too big"}, http.StatusBadRequest, "validation_error"},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed, "Method Not Allowed"},
		{"anything else", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, apiErr := mapError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestMapError_InvalidArgumentsCarryField(t *testing.T) {
	err := fmt.Errorf("%w: %w", domain.ErrInvalidArguments, &domain.ValidationError{Field: "pattern", Message: "failed on 'required' validation"})
	status, apiErr := mapError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, []FieldError{{Field: "pattern", Message: "failed on 'required' validation"}}, apiErr.Details)
}
