package handler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/agenthub/internal/domain"
)

const (
	contextKeyCallerID = "caller_id"
)

// TokenValidator resolves a bearer access token to a caller id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RequestLogger logs each HTTP request with structured fields.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the error handler write the status before it is logged.
				c.Error(err)
			}

			logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"route", c.Path(),
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"caller_id", c.Get(contextKeyCallerID),
			)

			return nil
		}
	}
}

// JWTAuth validates the Bearer token and injects the caller ID into echo context.
func JWTAuth(auth TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return domain.ErrUnauthorized
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				return domain.ErrUnauthorized
			}

			callerID, err := auth.ValidateToken(token)
			if err != nil {
				return domain.ErrUnauthorized
			}

			c.Set(contextKeyCallerID, callerID)
			return next(c)
		}
	}
}

// GetCallerID extracts the authenticated caller ID from echo context.
func GetCallerID(c echo.Context) (string, bool) {
	id, ok := c.Get(contextKeyCallerID).(string)
	return id, ok && id != ""
}

// callerID is GetCallerID for routes behind JWTAuth.
func callerID(c echo.Context) (string, error) {
	id, ok := GetCallerID(c)
	if !ok {
		return "", domain.ErrUnauthorized
	}
	return id, nil
}
