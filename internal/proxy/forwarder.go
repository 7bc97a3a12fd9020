package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/server"
)

// InterceptGate 报告请求是否应进入拦截链：当前版本已激活，或仍有上一份完整缓存可用。
type InterceptGate interface {
	Intercepting() bool
}

// Forwarder 是请求进入拦截链的闸门：有可服务的缓存时交给拦截 handler，
// 否则交给透传 handler。两者的 panic 都被转换为 JSON 500。
type Forwarder struct {
	intercept server.ProxyHandler
	bypass    server.ProxyHandler
	gate      InterceptGate
	logger    *logrus.Logger
}

// NewForwarder 创建 Forwarder。gate 为空时始终拦截。
func NewForwarder(intercept, bypass server.ProxyHandler, gate InterceptGate, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		intercept: intercept,
		bypass:    bypass,
		gate:      gate,
		logger:    logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	handler, mode := f.lookup()
	if handler == nil {
		return f.respondMissingHandler(c, target, mode, requestID)
	}
	return f.invokeHandler(c, target, handler, mode, requestID)
}

func (f *Forwarder) lookup() (server.ProxyHandler, string) {
	if f.gate == nil || f.gate.Intercepting() {
		return f.intercept, "intercept"
	}
	return f.bypass, "bypass"
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target *server.Target, mode, requestID string) error {
	f.logGateError(target, mode, "interceptor_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "interceptor_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, handler server.ProxyHandler, mode, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, mode, r, requestID)
		}
	}()
	return handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target *server.Target, mode string, recovered interface{}, requestID string) error {
	f.logGateError(target, mode, "interceptor_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "interceptor_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logGateError(target *server.Target, mode, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"mode":   mode,
		"error":  code,
	}
	if target != nil && target.URL != nil {
		fields["url"] = target.URL.String()
		fields["same_origin"] = target.SameOrigin
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("interceptor unavailable")
}
