package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/webstart-cache/internal/proxy"
)

func TestLoadValidFile(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	g := cfg.Global
	if g.LogLevel != "debug" || g.Workers != 8 || g.MaxRetries != 5 || !g.PreferHTTPS {
		t.Fatalf("全局字段解析不符: %+v", g)
	}
	if g.InitialBackoff.DurationValue() != 250*time.Millisecond {
		t.Fatalf("InitialBackoff 应解析为 250ms, got %v", g.InitialBackoff.DurationValue())
	}
	if g.MaxBackoff.DurationValue() != 30*time.Second {
		t.Fatalf("纯数字应按秒解析, got %v", g.MaxBackoff.DurationValue())
	}
	if g.ReadTimeout.DurationValue() != 20*time.Second || g.LockTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("超时字段不符: %+v", g)
	}
	if !filepath.IsAbs(g.CacheDir) {
		t.Fatalf("CacheDir 应转换为绝对路径, got %s", g.CacheDir)
	}
	if cfg.Proxy.Mode != "MANUAL" || cfg.Proxy.ScriptCacheEnabled {
		t.Fatalf("代理字段解析不符: %+v", cfg.Proxy)
	}
	if cfg.Proxy.ScriptTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("ScriptTimeout 应使用默认值, got %v", cfg.Proxy.ScriptTimeout.DurationValue())
	}
}

func TestEngineOptions(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	opts := cfg.Proxy.EngineOptions()
	if opts.Mode != proxy.ModeManual || opts.CacheResults {
		t.Fatalf("unexpected engine options: %+v", opts)
	}
	want := proxy.Settings{
		HTTP:        proxy.Endpoint{Host: "proxy.corp.example", Port: 3128},
		SOCKS:       proxy.Endpoint{Host: "socks.corp.example", Port: 1080},
		BypassLocal: true,
		Bypass:      []string{"*.corp.example", "10.0.0.0/8"},
	}
	if diff := cmp.Diff(want, opts.Manual); diff != "" {
		t.Fatalf("手工代理参数不符 (-want +got):\n%s", diff)
	}
	if cfg.Global.CacheOptions().LockTimeout != 30*time.Second {
		t.Fatalf("CacheOptions 未传递 LockTimeout")
	}
}

func TestValidateRules(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"workers", func(c *Config) { c.Global.Workers = 0 }, "Global.Workers"},
		{"retries", func(c *Config) { c.Global.MaxRetries = 0 }, "Global.MaxRetries"},
		{"backoff order", func(c *Config) { c.Global.MaxBackoff = Duration(time.Millisecond) }, "Global.MaxBackoff"},
		{"listen addr", func(c *Config) { c.Global.ListenAddr = "localhost" }, "Global.ListenAddr"},
		{"mode", func(c *Config) { c.Proxy.Mode = "SYSTEM" }, "Proxy.Mode"},
		{"port", func(c *Config) { c.Proxy.HTTPPort = 70000 }, "Proxy.HTTPPort"},
		{"manual host", func(c *Config) { c.Proxy.Mode = "MANUAL" }, "Proxy.HTTPHost"},
		{"script ttl", func(c *Config) { c.Proxy.ScriptCacheTTL = Duration(-time.Second) }, "Proxy.ScriptCacheTTL"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			fieldErr, ok := err.(FieldError)
			if !ok || fieldErr.Field != tc.field {
				t.Fatalf("期望字段 %s 报错, got %v", tc.field, err)
			}
		})
	}
}

func TestValidateAutoConfigURL(t *testing.T) {
	testCases := []struct {
		url       string
		shouldErr bool
	}{
		{"", true},
		{"ftp://pac.example/proxy.pac", true},
		{"http:///proxy.pac", true},
		{"http://pac.example/proxy.pac", false},
		{"file:///etc/proxy.pac", false},
	}
	for _, tc := range testCases {
		cfg := validConfig()
		cfg.Proxy.Mode = "AUTO_CONFIG_URL"
		cfg.Proxy.AutoConfigURL = tc.url
		err := cfg.Validate()
		if tc.shouldErr && err == nil {
			t.Fatalf("expected error for %q", tc.url)
		}
		if !tc.shouldErr && err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.url, err)
		}
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	testCases := map[string]time.Duration{
		"":     0,
		"90s":  90 * time.Second,
		"15":   15 * time.Second,
		"0x10": 16 * time.Second,
	}
	for raw, want := range testCases {
		var d Duration
		if err := d.UnmarshalText([]byte(raw)); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", raw, err)
		}
		if d.DurationValue() != want {
			t.Fatalf("UnmarshalText(%q) = %v, want %v", raw, d.DurationValue(), want)
		}
	}
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应报错")
	}
}

func TestSplitBypass(t *testing.T) {
	got := splitBypass([]string{" a.example ", "b.example;c.example", "", ",,"})
	if diff := cmp.Diff([]string{"a.example", "b.example", "c.example"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			CacheDir:       "./data",
			Workers:        2,
			MaxRetries:     3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(10 * time.Second),
			ConnectTimeout: Duration(time.Second),
			ReadTimeout:    Duration(time.Second),
			LockTimeout:    Duration(time.Second),
			ListenAddr:     "127.0.0.1:5080",
		},
		Proxy: ProxyConfig{
			Mode:          "DIRECT",
			ScriptTimeout: Duration(time.Second),
		},
	}
}
