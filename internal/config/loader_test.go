package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[Origin]
Domain = "app.local"
Upstream = "https://app.example.com"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsBadPattern(t *testing.T) {
	cfg := `
StoragePath = "./data"

[Origin]
Domain = "app.local"
Upstream = "https://app.example.com"

[Classification]
ContentDocumentPatterns = ['^/units/(unclosed']
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无法编译的正则应失败")
	}
}

func TestLoadParsesDurationSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = 15

[Origin]
Domain = "app.local"
Upstream = "https://app.example.com"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.UpstreamTimeout.DurationValue().Seconds(); got != 15 {
		t.Fatalf("期望 15s，得到 %v", got)
	}
}
