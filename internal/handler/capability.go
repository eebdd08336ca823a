package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/router"
)

// maxArgumentsBytes bounds the JSON arguments of one call.
const maxArgumentsBytes = 1 << 20

// CapabilityRouter is the tool router as seen by HTTP.
type CapabilityRouter interface {
	Capabilities() []router.Descriptor
	Call(ctx context.Context, caller, name string, raw json.RawMessage) (any, error)
}

// CapabilityHandler serves capability discovery and invocation.
type CapabilityHandler struct {
	router CapabilityRouter
}

// NewCapabilityHandler creates a new CapabilityHandler.
func NewCapabilityHandler(r CapabilityRouter) *CapabilityHandler {
	return &CapabilityHandler{router: r}
}

// List returns the registered capabilities with their input schemas.
func (h *CapabilityHandler) List(c echo.Context) error {
	return JSON(c, http.StatusOK, h.router.Capabilities())
}

// Call invokes a capability with the request body as arguments. Sync
// capabilities answer 200 with their result, async ones 202 with the job id.
func (h *CapabilityHandler) Call(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxArgumentsBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err)
	}
	if len(body) > maxArgumentsBytes {
		return fmt.Errorf("%w: arguments larger than %d bytes", domain.ErrInvalidArguments, maxArgumentsBytes)
	}

	result, err := h.router.Call(c.Request().Context(), caller, c.Param("name"), body)
	if err != nil {
		return err
	}
	if async, ok := result.(*router.AsyncResult); ok {
		return JSON(c, http.StatusAccepted, async)
	}
	return JSON(c, http.StatusOK, result)
}
