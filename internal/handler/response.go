package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/agenthub/internal/domain"
)

// Envelope is the standard API response wrapper.
type Envelope struct {
	Data  any             `json:"data,omitempty"`
	Meta  *PaginationMeta `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// PaginationMeta tells whether a list was cut at the requested limit.
type PaginationMeta struct {
	HasNext bool `json:"has_next"`
}

// APIError represents an error in the API response.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError represents a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the standard envelope.
func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data})
}

// JSONList writes a paginated JSON list response.
func JSONList(c echo.Context, status int, data any, meta PaginationMeta) error {
	return c.JSON(status, Envelope{Data: data, Meta: &meta})
}

// HTTPErrorHandler is the global error handler for echo.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, apiErr := mapError(err)
	if jsonErr := c.JSON(status, Envelope{Error: &apiErr}); jsonErr != nil {
		slog.Error("failed to send error response", "error", jsonErr)
	}
}

func mapError(err error) (int, APIError) {
	// Handle echo's own HTTP errors (404, 405, etc.)
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{
			Code:    http.StatusText(echoErr.Code),
			Message: msg,
		}
	}

	switch {
	case errors.Is(err, domain.ErrUnknownCapability):
		return http.StatusNotFound, APIError{
			Code:    "unknown_capability",
			Message: err.Error(),
		}
	case errors.Is(err, domain.ErrInvalidArguments):
		apiErr := APIError{
			Code:    "invalid_arguments",
			Message: err.Error(),
		}
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			apiErr.Details = []FieldError{{Field: validationErr.Field, Message: validationErr.Message}}
		}
		return http.StatusBadRequest, apiErr
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, APIError{
			Code:    "timeout",
			Message: err.Error(),
		}
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, APIError{
			Code:    "invalid_state",
			Message: "The job is not in a state that allows this operation",
		}
	case errors.Is(err, domain.ErrStorage):
		slog.Error("storage unavailable", "error", err)
		return http.StatusServiceUnavailable, APIError{
			Code:    "storage_unavailable",
			Message: "Job storage is temporarily unavailable",
		}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "The requested resource was not found",
		}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, APIError{
			Code:    "unauthorized",
			Message: "Authentication is required",
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, APIError{
			Code:    "invalid_input",
			Message: "The request body is invalid",
		}
	default:
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			return http.StatusBadRequest, APIError{
				Code:    "validation_error",
				Message: "Validation failed",
				Details: []FieldError{
					{Field: validationErr.Field, Message: validationErr.Message},
				},
			}
		}

		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "An unexpected error occurred",
		}
	}
}
