package handler

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"neurax/internal/usecase"
)

//go:embed static/index.html
var indexHTML []byte

const (
	correlationKey  = "correlation_id"
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// NewServer returns an echo instance serving the UI and the JSON API.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.errorHandler
	e.Use(correlationMiddleware)
	addRequestLoggerMiddleware(e, h.log)

	e.GET("/", func(c echo.Context) error {
		return c.HTMLBlob(http.StatusOK, indexHTML)
	})
	e.POST("/api/chat", func(c echo.Context) error {
		body, err := readBody(c)
		if err != nil {
			return err
		}
		return reply(c, func(ctx context.Context, log *slog.Logger) (int, any) {
			return h.chat(ctx, log, body)
		}, h.log)
	})
	e.GET("/api/get_sessions", func(c echo.Context) error {
		return reply(c, h.listSessions, h.log)
	})
	e.GET("/api/load_session/:id", func(c echo.Context) error {
		id, err := sessionParam(c)
		if err != nil {
			return err
		}
		return reply(c, func(ctx context.Context, log *slog.Logger) (int, any) {
			return h.loadSession(ctx, log, id)
		}, h.log)
	})
	e.POST("/api/rename_session/:id", func(c echo.Context) error {
		id, err := sessionParam(c)
		if err != nil {
			return err
		}
		body, err := readBody(c)
		if err != nil {
			return err
		}
		return reply(c, func(ctx context.Context, log *slog.Logger) (int, any) {
			return h.renameSession(ctx, log, id, body)
		}, h.log)
	})
	e.DELETE("/api/delete_session/:id", func(c echo.Context) error {
		id, err := sessionParam(c)
		if err != nil {
			return err
		}
		return reply(c, func(ctx context.Context, log *slog.Logger) (int, any) {
			return h.deleteSession(ctx, log, id)
		}, h.log)
	})
	return e
}

// Serve runs e on addr until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("handler: shutdown: %w", err)
	}
	return <-errCh
}

func reply(c echo.Context, fn func(context.Context, *slog.Logger) (int, any), log *slog.Logger) error {
	status, payload := fn(c.Request().Context(), log.With(correlationKey, c.Get(correlationKey)))
	return c.JSON(status, payload)
}

// sessionParam returns the decoded :id segment. echo matches on the raw path
// when the request carries escapes the default encoding would not produce,
// and leaves params escaped in that case.
func sessionParam(c echo.Context) (string, error) {
	id := c.Param("id")
	if c.Request().URL.RawPath == "" {
		return id, nil
	}
	unescaped, err := url.PathUnescape(id)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Invalid session id").SetInternal(err)
	}
	return unescaped, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Could not read request body").SetInternal(err)
	}
	return body, nil
}

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Response().Header().Set(correlationHeader, id)
		return next(c)
	}
}

// errorHandler renders routing and framework errors with the API error body.
func (h *Handler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	resp := errorResponse{Error: "Internal server error", Code: string(usecase.ErrorInternal)}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		resp.Error = fmt.Sprint(httpErr.Message)
		switch {
		case status == http.StatusNotFound:
			resp.Code = string(usecase.ErrorNotFound)
		case status < http.StatusInternalServerError:
			resp.Code = string(usecase.ErrorInvalidInput)
		}
	}
	if err := c.JSON(status, resp); err != nil {
		h.log.Error("write error response failed", "err", err)
	}
}

// addRequestLoggerMiddleware adds a middleware that logs each request.
func addRequestLoggerMiddleware(e *echo.Echo, log *slog.Logger) {
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.Any(correlationKey, c.Get(correlationKey)),
			}
			if v.Error == nil {
				log.LogAttrs(c.Request().Context(), slog.LevelInfo, "REQUEST", attrs...)
			} else {
				log.LogAttrs(c.Request().Context(), slog.LevelError, "REQUEST_ERROR",
					append(attrs, slog.String("err", v.Error.Error()))...)
			}
			return nil
		},
	}))
}
