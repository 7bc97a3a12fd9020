package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)
	applyClassificationDefaults(&cfg.Classification)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "fs")
	v.SetDefault("AppPrefix", "app")
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("UpstreamTimeout", 0)
	v.SetDefault("InstallConcurrency", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "fs"
	}
	g.AppPrefix = strings.TrimSpace(g.AppPrefix)
	if g.AppPrefix == "" {
		g.AppPrefix = "app"
	}
	if g.InstallConcurrency <= 0 {
		g.InstallConcurrency = 4
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		g.UpstreamTimeout = Duration(0)
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	if o.RootPage == "" {
		o.RootPage = "/"
	}
	if o.ListingPage == "" {
		o.ListingPage = o.RootPage
	}
	if strings.TrimSpace(o.DocumentLabel) == "" {
		o.DocumentLabel = "Document"
	}
}

// 默认静态资源后缀覆盖样式表、脚本、图片与图标。
var defaultStaticSuffixes = []string{
	".css", ".js", ".mjs", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".woff", ".woff2",
}

func applyClassificationDefaults(c *ClassificationConfig) {
	if len(c.StaticSuffixes) == 0 {
		c.StaticSuffixes = append([]string(nil), defaultStaticSuffixes...)
	}
	for i, suffix := range c.StaticSuffixes {
		c.StaticSuffixes[i] = strings.ToLower(strings.TrimSpace(suffix))
	}
	for i, entry := range c.ExternalAllowList {
		c.ExternalAllowList[i] = strings.ToLower(strings.TrimSpace(entry))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
