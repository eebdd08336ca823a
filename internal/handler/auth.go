package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/agenthub/internal/service"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh exchanges a refresh token for a new token pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	tokens, err := h.auth.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, tokens)
}

type meResponse struct {
	CallerID string `json:"caller_id"`
}

// Me returns the identity behind the bearer token.
func (h *AuthHandler) Me(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, meResponse{CallerID: id})
}
