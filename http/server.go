// Package http is the thin routing layer between the registry core and
// the outside world: an Echo server exposing the crate, index, owner,
// and toolchain routes, plus the retrying outbound client the webhook
// dispatcher delivers callbacks with. Handler bodies delegate to the
// DbProvider, blob store, and auth service; no registry invariant lives
// here.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kellnr/kellnr/common"
	"github.com/kellnr/kellnr/kellnrerr"
)

// ServerConfig tunes the Echo server.
type ServerConfig struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DefaultServerConfig returns the defaults a bare install runs with.
// The body limit leaves room for large crate tarballs.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8000,
		Debug:           false,
		BodyLimit:       "100M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// NewEchoServer creates an Echo instance with the standard middleware
// stack and the registry error handler.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}
	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType,
				echo.HeaderAccept, echo.HeaderAuthorization,
			},
		}))
	}

	e.HTTPErrorHandler = RegistryErrorHandler
	return e
}

// errorBody is the error wire format: {"errors": [{"detail": "..."}]}.
type errorBody struct {
	Errors []errorDetail `json:"errors"`
}

type errorDetail struct {
	Detail string `json:"detail"`
}

// statusForError maps the core's error taxonomy onto HTTP status codes:
// validation 400, missing credentials 401, authorization 403, not found
// 404, conflict 409, everything else 500.
func statusForError(err error) int {
	switch {
	case kellnrerr.Is(err, kellnrerr.KindValidation):
		return http.StatusBadRequest
	case kellnrerr.Is(err, kellnrerr.KindUnauthenticated):
		return http.StatusUnauthorized
	case kellnrerr.Is(err, kellnrerr.KindAuthorization):
		return http.StatusForbidden
	case kellnrerr.Is(err, kellnrerr.KindNotFound):
		return http.StatusNotFound
	case kellnrerr.Is(err, kellnrerr.KindConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RegistryErrorHandler renders every error in the registry error wire
// format, keeping Echo's own HTTPErrors (404 on unknown routes, body
// limit) intact.
func RegistryErrorHandler(err error, c echo.Context) {
	code := statusForError(err)
	detail := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	if err := c.JSON(code, errorBody{Errors: []errorDetail{{Detail: detail}}}); err != nil {
		common.Logger.WithError(err).Error("failed to write error response")
	}
}

// StartServer runs the Echo server until ctx is cancelled, then shuts
// it down gracefully within the configured timeout.
func StartServer(ctx context.Context, e *echo.Echo, config ServerConfig) error {
	errCh := make(chan error, 1)
	go func() {
		s := &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		}
		common.Logger.WithField("port", config.Port).Info("registry listening")
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	common.Logger.Info("server stopped")
	return nil
}
