package proxy

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/offline-hub/internal/server"
)

const requestIDKey = "_offlinehub_request_id"

type staticGate bool

func (g staticGate) Intercepting() bool { return bool(g) }

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, nil, staticGate(true), logger)

	if err := forwarder.Handle(ctx, testTarget()); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "interceptor_missing") {
		t.Fatalf("expected error body to mention interceptor_missing, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	panicking := server.ProxyHandlerFunc(func(fiber.Ctx, *server.Target) error {
		panic("boom")
	})
	forwarder := NewForwarder(panicking, nil, staticGate(true), logger)

	if err := forwarder.Handle(ctx, testTarget()); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "interceptor_panic") {
		t.Fatalf("expected error body to mention interceptor_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "interceptor_panic") {
		t.Fatalf("expected log to mention interceptor_panic, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}

func TestForwarderRoutesByInterceptGate(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	var hit string
	intercept := server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.Target) error {
		hit = "intercept"
		return nil
	})
	bypass := server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.Target) error {
		hit = "bypass"
		return nil
	})

	for _, tc := range []struct {
		intercepting bool
		want         string
	}{{true, "intercept"}, {false, "bypass"}} {
		ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
		forwarder := NewForwarder(intercept, bypass, staticGate(tc.intercepting), logrus.New())
		if err := forwarder.Handle(ctx, testTarget()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		app.ReleaseCtx(ctx)
		if hit != tc.want {
			t.Fatalf("intercepting=%v: expected %s handler, got %s", tc.intercepting, tc.want, hit)
		}
	}
}

func testTarget() *server.Target {
	u, _ := url.Parse("https://course.example.com/index.html")
	return &server.Target{URL: u, SameOrigin: true, DisplayURL: "/index.html", Host: "course.local", Path: "/index.html"}
}
