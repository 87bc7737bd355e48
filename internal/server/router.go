package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/task"
)

// Engine 是控制接口依赖的获取引擎能力，测试中可替换为假实现。
type Engine interface {
	GetIndex(path string, wantTask, force bool) (*index.Index, *task.Task, error)
	FetchFile(path string) (*task.Task, error)
	Registry() *task.Registry
	Layout() *cache.Layout
}

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger     *logrus.Logger
	Engine     Engine
	ListenPort int
}

const contextKeyRequestID = "_zerofetch_request_id"

// NewApp builds the Fiber application with recovery, request IDs and the
// metrics endpoint. Callers register the /-/ routes on the returned app.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在请求结束后记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()
		logger.WithFields(logrus.Fields{
			"action":     "control_request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
		}).Debug("request handled")
		return err
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
