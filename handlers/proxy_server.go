package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig describes the fiber app around the proxy handler.
type ServerConfig struct {
	Proxy Config
	// AccessLog receives one line per request when non-nil.
	AccessLog io.Writer
	// Gatherer is served on /metrics when non-nil.
	Gatherer prometheus.Gatherer
	// BaseContext becomes every request's user context when non-nil, so
	// cancelling it aborts in-flight upstream fetches.
	BaseContext context.Context
}

// NewApp builds the fiber app serving ProxyPath and, optionally, /metrics.
func NewApp(cfg ServerConfig) (*fiber.App, error) {
	proxy, err := ProxySite(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:               "sieve",
		DisableStartupMessage: true,
		ErrorHandler:          emptyErrorHandler,
	})
	app.Use(recover.New())
	if cfg.BaseContext != nil {
		app.Use(func(c *fiber.Ctx) error {
			c.SetUserContext(cfg.BaseContext)
			return c.Next()
		})
	}
	if cfg.AccessLog != nil {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} - ${latency} ${method} ${path}?${queryParams}\n",
			Output: cfg.AccessLog,
		}))
	}

	app.Get(ProxyPath, proxy)
	if cfg.Gatherer != nil {
		app.Get("/metrics", MetricsHandler(cfg.Gatherer))
	}
	return app, nil
}

// emptyErrorHandler keeps error responses bodiless, including recovered panics.
func emptyErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).Send(nil)
}
