package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存存储与版本令牌。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StoreBackend       string   `mapstructure:"StoreBackend"`
	AppPrefix          string   `mapstructure:"AppPrefix"`
	CacheVersion       string   `mapstructure:"CacheVersion"`
	SkipWaiting        bool     `mapstructure:"SkipWaiting"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// OriginConfig 描述被拦截的 Web 应用：对外域名、真实上游以及离线页使用的已知可用页面。
type OriginConfig struct {
	Domain        string `mapstructure:"Domain"`
	Upstream      string `mapstructure:"Upstream"`
	RootPage      string `mapstructure:"RootPage"`
	ListingPage   string `mapstructure:"ListingPage"`
	NotFoundPage  string `mapstructure:"NotFoundPage"`
	DocumentLabel string `mapstructure:"DocumentLabel"`
}

// ManifestConfig 是 install 阶段消费的预缓存清单。
// StaticAssets 必须全部成功，ExternalResources 尽力而为。
type ManifestConfig struct {
	StaticAssets      []string `mapstructure:"StaticAssets"`
	ExternalResources []string `mapstructure:"ExternalResources"`
}

// ClassificationConfig 提供请求分类所需的路径规则与外部域名白名单。
type ClassificationConfig struct {
	ContentDocumentPatterns []string `mapstructure:"ContentDocumentPatterns"`
	StaticSuffixes          []string `mapstructure:"StaticSuffixes"`
	StaticPrefixes          []string `mapstructure:"StaticPrefixes"`
	ExternalAllowList       []string `mapstructure:"ExternalAllowList"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global         GlobalConfig         `mapstructure:",squash"`
	Origin         OriginConfig         `mapstructure:"Origin"`
	Manifest       ManifestConfig       `mapstructure:"Manifest"`
	Classification ClassificationConfig `mapstructure:"Classification"`
}

// EffectiveVersion 返回写入 store 名称的版本令牌，未配置时回退到构建版本。
func (c *Config) EffectiveVersion(buildVersion string) string {
	if v := strings.TrimSpace(c.Global.CacheVersion); v != "" {
		return v
	}
	return buildVersion
}

// Summary 输出启动日志使用的配置摘要。
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"origin":          c.Origin.Domain,
		"upstream":        c.Origin.Upstream,
		"store_backend":   c.Global.StoreBackend,
		"static_assets":   len(c.Manifest.StaticAssets),
		"external_assets": len(c.Manifest.ExternalResources),
		"allow_list":      len(c.Classification.ExternalAllowList),
		"skip_waiting":    c.Global.SkipWaiting,
	}
}
