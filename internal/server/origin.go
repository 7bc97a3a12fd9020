package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
)

// OriginRoute 聚合被拦截应用的配置与解析后的上游地址，启动阶段构建一次后复用。
type OriginRoute struct {
	// Config 是 [Origin] 段的副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造时解析完成，同源请求都拼接到它之后。
	UpstreamURL *url.URL

	domain       string
	upstreamHost string
}

// Target 是一次请求解析后的真实抓取地址。
type Target struct {
	URL *url.URL
	// SameOrigin 为 true 表示 Host 命中配置的 Domain（或上游 host）。
	SameOrigin bool
	// DisplayURL 是客户端视角的地址，用于离线页重试链接。
	DisplayURL string
	Host       string
	// Path 是客户端请求的原始路径，分类规则基于它匹配。
	Path string
}

// NewOriginRoute 根据配置构建同源判定与上游拼接规则。
func NewOriginRoute(cfg *config.Config) (*OriginRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	domain := normalizeDomain(cfg.Origin.Domain)
	if domain == "" {
		return nil, fmt.Errorf("invalid origin domain %q", cfg.Origin.Domain)
	}
	upstreamURL, err := url.Parse(cfg.Origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid origin upstream: %w", err)
	}
	if upstreamURL.Host == "" {
		return nil, fmt.Errorf("origin upstream missing host: %s", cfg.Origin.Upstream)
	}
	return &OriginRoute{
		Config:       cfg.Origin,
		ListenPort:   cfg.Global.ListenPort,
		UpstreamURL:  upstreamURL,
		domain:       domain,
		upstreamHost: normalizeDomain(upstreamURL.Host),
	}, nil
}

// IsSameOrigin 判断 Host 是否属于被拦截的应用。
func (r *OriginRoute) IsSameOrigin(host string) bool {
	if r == nil {
		return false
	}
	normalized, _ := normalizeHost(host)
	return normalized != "" && (normalized == r.domain || normalized == r.upstreamHost)
}

// Resolve 把 Host + 请求路径映射为真实抓取地址。scheme 仅用于跨源请求。
func (r *OriginRoute) Resolve(host, scheme, path, rawQuery string) (*Target, bool) {
	host = strings.TrimSpace(host)
	if host == "" || r == nil {
		return nil, false
	}
	if path == "" {
		path = "/"
	}

	display := path
	if rawQuery != "" {
		display += "?" + rawQuery
	}

	if r.IsSameOrigin(host) {
		target := *r.UpstreamURL
		target.Path = strings.TrimSuffix(r.UpstreamURL.Path, "/") + path
		target.RawPath = ""
		target.RawQuery = rawQuery
		target.Fragment = ""
		return &Target{URL: &target, SameOrigin: true, DisplayURL: display, Host: host, Path: path}, true
	}

	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	target := &url.URL{Scheme: scheme, Host: strings.ToLower(host), Path: path, RawQuery: rawQuery}
	return &Target{URL: target, DisplayURL: target.String(), Host: host, Path: path}, true
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
