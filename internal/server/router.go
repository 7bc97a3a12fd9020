package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers an intercepted request.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Origin     *OriginRoute
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyTarget    = "_offlinehub_target"
	contextKeyRequestID = "_offlinehub_request_id"
)

// NewApp builds a Fiber application with request-ID and origin resolution
// middleware. Routes under /-/ are left for the routes package to register.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin route is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		target, _ := getTargetFromContext(c)
		if target == nil {
			return renderHostMissing(c, opts.Logger, opts.ListenPort)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并把 Host + 路径解析为真实抓取地址。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if isDiagnosticsPath(path) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		target, ok := opts.Origin.Resolve(
			rawHost,
			requestScheme(c),
			path,
			string(c.Request().URI().QueryString()),
		)
		if !ok {
			return renderHostMissing(c, opts.Logger, opts.ListenPort)
		}

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

func renderHostMissing(c fiber.Ctx, logger *logrus.Logger, port int) error {
	logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"port":   port,
	}).Warn("host missing")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "host_missing",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// requestScheme 优先使用 X-Forwarded-Proto，其次是代理模式下绝对形式请求行中的 scheme。
func requestScheme(c fiber.Ctx) string {
	if proto := strings.ToLower(strings.TrimSpace(c.Get(fiber.HeaderXForwardedProto))); proto != "" {
		return proto
	}
	requestURI := strings.ToLower(string(c.Request().RequestURI()))
	switch {
	case strings.HasPrefix(requestURI, "http://"):
		return "http"
	case strings.HasPrefix(requestURI, "https://"):
		return "https"
	}
	return ""
}

func getTargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
