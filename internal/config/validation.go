package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var supportedStoreBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

var supportedLogLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}, "fatal": {}, "panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := c.Global.validate(); err != nil {
		return err
	}
	if err := c.Origin.validate(); err != nil {
		return err
	}
	if err := c.Manifest.validate(); err != nil {
		return err
	}
	return c.Classification.validate()
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, ok := supportedLogLevels[strings.ToLower(g.LogLevel)]; !ok {
			return newFieldError("Global.LogLevel", "不支持的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStoreBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 fs|sqlite")
	}
	if err := validateNameToken(g.AppPrefix); err != nil {
		return newFieldError("Global.AppPrefix", err.Error())
	}
	if g.CacheVersion != "" {
		if err := validateNameToken(g.CacheVersion); err != nil {
			return newFieldError("Global.CacheVersion", err.Error())
		}
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.InstallConcurrency < 0 {
		return newFieldError("Global.InstallConcurrency", "不能为负数")
	}
	return nil
}

func (o OriginConfig) validate() error {
	if err := validateDomain(o.Domain); err != nil {
		return fmt.Errorf("Origin.Domain: %w", err)
	}
	if err := validateUpstream(o.Upstream); err != nil {
		return fmt.Errorf("Origin.Upstream: %w", err)
	}
	pages := map[string]string{
		"Origin.RootPage":     o.RootPage,
		"Origin.ListingPage":  o.ListingPage,
		"Origin.NotFoundPage": o.NotFoundPage,
	}
	for field, page := range pages {
		if page == "" {
			continue
		}
		if !strings.HasPrefix(page, "/") {
			return newFieldError(field, "必须是以 / 开头的绝对路径")
		}
	}
	return nil
}

func (m ManifestConfig) validate() error {
	seen := make(map[string]struct{}, len(m.StaticAssets))
	for i, asset := range m.StaticAssets {
		field := indexedField("Manifest.StaticAssets", i)
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(field, "必须是以 / 开头的绝对路径")
		}
		if _, dup := seen[asset]; dup {
			return newFieldError(field, "重复")
		}
		seen[asset] = struct{}{}
	}
	for i, raw := range m.ExternalResources {
		if err := validateUpstream(raw); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Manifest.ExternalResources", i), err)
		}
	}
	return nil
}

func (c ClassificationConfig) validate() error {
	for i, pattern := range c.ContentDocumentPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError(indexedField("Classification.ContentDocumentPatterns", i), err.Error())
		}
	}
	for i, suffix := range c.StaticSuffixes {
		if suffix == "" {
			return newFieldError(indexedField("Classification.StaticSuffixes", i), "不能为空")
		}
	}
	for i, prefix := range c.StaticPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(indexedField("Classification.StaticPrefixes", i), "必须以 / 开头")
		}
	}
	for i, entry := range c.ExternalAllowList {
		if entry == "" {
			return newFieldError(indexedField("Classification.ExternalAllowList", i), "不能为空")
		}
	}
	return nil
}

// validateNameToken 约束嵌入 store 名称的片段，避免出现路径分隔符或空白。
func validateNameToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(token, "/\\ \t") {
		return errors.New("不允许包含路径分隔符或空白")
	}
	if strings.HasPrefix(token, ".") {
		return errors.New("不允许以 . 开头")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
