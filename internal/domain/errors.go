package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
)

// Job streaming errors.
var (
	ErrStorage            = errors.New("storage unavailable")
	ErrJobNotFound        = fmt.Errorf("job %w", ErrNotFound)
	ErrInvalidState       = errors.New("invalid job state")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrChannelNotConfigured is permanent: no transport address was given at
	// startup. It matches ErrChannelUnavailable under errors.Is.
	ErrChannelNotConfigured = fmt.Errorf("%w: transport not configured", ErrChannelUnavailable)
)

// Tool routing errors.
var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrTimeout           = errors.New("capability timed out")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
