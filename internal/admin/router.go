package admin

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

const contextKeyRequestID = "_pkgcacher_admin_request_id"

// AppOptions controls how the admin Fiber application is assembled.
type AppOptions struct {
	Logger *logrus.Logger
	Runtime *config.Runtime
	Store   *store.Store
}

// NewApp builds the diagnostics-only Fiber application: request-ID
// middleware, panic recovery, and the /status, /vhosts, /browse routes.
// Adapted from any-hub's server.NewApp, minus the Host-header hub routing
// (this daemon's client-facing vhost dispatch lives in internal/handler,
// keyed on request path rather than Host; the admin surface has nothing to
// route by Host, so it drops that middleware entirely).
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("admin: logger is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("admin: runtime is required")
	}
	if opts.Store == nil {
		return nil, errors.New("admin: store is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	registerRoutes(app, opts)

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stashed by requestIDMiddleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
