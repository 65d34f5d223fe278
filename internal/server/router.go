package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/metrics"
	"github.com/any-hub/webstart-cache/internal/tracker"
	"github.com/any-hub/webstart-cache/internal/transport"
)

// Resolver 批量解析资源，*tracker.Tracker 满足该接口。
type Resolver interface {
	ResolveAll(ctx context.Context, requests []tracker.Request) map[tracker.Key]tracker.Result
}

// AppOptions 描述管理服务的依赖。Metrics 为空时不注册 /-/metrics。
type AppOptions struct {
	Logger   *logrus.Logger
	Resolver Resolver
	Store    cache.Store
	Routes   transport.RouteSelector
	Metrics  *metrics.Metrics
}

const contextKeyRequestID = "_webstart_request_id"

// NewApp builds the Fiber application with request-id middleware, panic
// recovery, and JSON error rendering.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Routes == nil {
		return nil, errors.New("route selector is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{opts: opts}
	app.Get("/-/healthz", h.health)
	app.Get("/-/cache", h.listCache)
	app.Delete("/-/cache", h.clearCache)
	app.Delete("/-/cache/entry", h.removeEntry)
	app.Post("/-/resolve", h.resolve)
	app.Get("/-/proxy", h.selectProxy)
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		logger.WithFields(logrus.Fields{
			"action":     "admin_request",
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"request_id": reqID,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("admin request")
		return err
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "admin_error",
				"path":       c.Path(),
				"request_id": RequestID(c),
				"error":      err.Error(),
			}).Error("admin request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": errorCode(code)})
	}
}

func errorCode(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusRequestEntityTooLarge:
		return "body_too_large"
	default:
		return "internal_error"
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
