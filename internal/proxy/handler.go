package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/classify"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/policy"
	"github.com/any-hub/offline-hub/internal/server"
)

const (
	headerSource   = "X-Offline-Hub-Source"
	headerCategory = "X-Offline-Hub-Category"
)

// Handler 负责“分类 → 策略 → 写回响应”的全流程，对外暴露 Fiber handler。
type Handler struct {
	classifier *classify.Classifier
	engine     *policy.Engine
	fetcher    policy.Fetcher
	logger     *logrus.Logger
}

// NewHandler constructs the intercepting handler. fetcher serves bypassed requests.
func NewHandler(classifier *classify.Classifier, engine *policy.Engine, fetcher policy.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		classifier: classifier,
		engine:     engine,
		fetcher:    fetcher,
		logger:     logger,
	}
}

// Handle 在有可服务缓存时执行：分类后交给策略引擎，网络与缓存都失败时由引擎合成离线页。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := h.buildRequest(c, target)

	resp, err := h.engine.Handle(requestContext(c), req)
	if err != nil {
		h.logResult(req, policy.Lookup(req.Classified.Category).Strategy, "", requestID, http.StatusBadGateway, started, err)
		c.Set(headerCategory, string(req.Classified.Category))
		return h.writeError(c, fiber.StatusBadGateway, "upstream_unavailable")
	}

	h.writeEntry(c, resp.Entry, resp.Source, resp.Category, requestID)
	h.logResult(req, resp.Strategy, resp.Source, requestID, resp.Entry.Status, started, nil)
	return nil
}

// Bypass 返回没有可服务缓存时使用的透传 handler：只访问网络，不读写缓存。
func (h *Handler) Bypass() server.ProxyHandler {
	return server.ProxyHandlerFunc(func(c fiber.Ctx, target *server.Target) error {
		started := time.Now()
		requestID := server.RequestID(c)
		req := h.buildRequest(c, target)

		entry, err := h.fetcher.Fetch(requestContext(c), req)
		if err != nil {
			h.logResult(req, policy.StrategyPassThrough, "", requestID, http.StatusBadGateway, started, err)
			c.Set(headerCategory, string(req.Classified.Category))
			return h.writeError(c, fiber.StatusBadGateway, "upstream_unavailable")
		}
		h.writeEntry(c, entry, policy.SourceNetwork, req.Classified.Category, requestID)
		h.logResult(req, policy.StrategyPassThrough, policy.SourceNetwork, requestID, entry.Status, started, nil)
		return nil
	})
}

func (h *Handler) buildRequest(c fiber.Ctx, target *server.Target) policy.Request {
	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", target.Host)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	// 同源请求按客户端路径分类，避免上游路径前缀干扰规则匹配。
	classifyURL := *target.URL
	if target.SameOrigin {
		classifyURL.Path = target.Path
		classifyURL.RawPath = ""
	}
	result := h.classifier.Classify(classify.Request{
		Method: c.Method(),
		URL:    &classifyURL,
		Header: header,
	})

	return policy.Request{
		Classified: result,
		URL:        target.URL,
		Header:     header,
		Body:       append([]byte(nil), c.Body()...),
		DisplayURL: target.DisplayURL,
	}
}

func (h *Handler) writeEntry(c fiber.Ctx, entry *cache.Entry, source policy.Source, category classify.Category, requestID string) {
	copyResponseHeaders(c, entry.Header)
	c.Set(headerSource, string(source))
	c.Set(headerCategory, string(category))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(entry.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBodyRaw(entry.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	c.Set(headerSource, string(policy.SourceOffline))
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req policy.Request,
	strategy policy.Strategy,
	source policy.Source,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		req.Classified.Method,
		req.URL.String(),
		string(req.Classified.Category),
		string(strategy),
		string(source),
		source == policy.SourceCache,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, policy.ErrUpstreamUnavailable) {
			h.logger.WithFields(fields).Warn("proxy_upstream_unavailable")
			return
		}
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
