package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups the endpoint handlers mounted by Register.
type Handlers struct {
	Auth         *AuthHandler
	Capabilities *CapabilityHandler
	Jobs         *JobHandler
}

// Register mounts the API on e. Everything under /api/v1 except token
// refresh requires a bearer token.
func Register(e *echo.Echo, h Handlers, tokens TokenValidator) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	api.POST("/auth/refresh", h.Auth.Refresh)

	protected := api.Group("", JWTAuth(tokens))
	protected.GET("/auth/me", h.Auth.Me)

	protected.GET("/capabilities", h.Capabilities.List)
	protected.POST("/capabilities/:name/call", h.Capabilities.Call)

	protected.GET("/jobs", h.Jobs.List)
	protected.GET("/jobs/:id", h.Jobs.Get)
	protected.GET("/jobs/:id/logs", h.Jobs.Logs)
	protected.GET("/jobs/:id/stream", h.Jobs.Stream)
}

// ServerOptions configures NewEcho.
type ServerOptions struct {
	// FrontendURL enables CORS for that origin when set.
	FrontendURL string
	Logger      *slog.Logger
}

func (o ServerOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// NewEcho builds the echo instance with the shared middleware stack.
func NewEcho(opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = NewAppValidator()

	e.Use(middleware.RequestID())
	e.Use(RequestLogger(opts.logger()))
	e.Use(middleware.Recover())
	if opts.FrontendURL != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{opts.FrontendURL},
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentType, "Last-Event-ID"},
			ExposeHeaders:    []string{echo.HeaderXRequestID},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	return e
}
