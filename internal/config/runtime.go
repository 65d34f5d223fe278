package config

import (
	"strings"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/proxy"
)

// ProxySettings 将 [Proxy] 表转换为手工代理参数。
func (p ProxyConfig) ProxySettings() proxy.Settings {
	return proxy.Settings{
		HTTP:          proxy.Endpoint{Host: strings.TrimSpace(p.HTTPHost), Port: p.HTTPPort},
		HTTPS:         proxy.Endpoint{Host: strings.TrimSpace(p.HTTPSHost), Port: p.HTTPSPort},
		FTP:           proxy.Endpoint{Host: strings.TrimSpace(p.FTPHost), Port: p.FTPPort},
		SOCKS:         proxy.Endpoint{Host: strings.TrimSpace(p.SOCKSHost), Port: p.SOCKSPort},
		SameProxy:     p.SameProxy,
		BypassLocal:   p.BypassLocal,
		Bypass:        p.Bypass,
		AutoConfigURL: strings.TrimSpace(p.AutoConfigURL),
	}
}

// EngineOptions 生成代理引擎参数（假定 Validate 已经通过），Logger 等由调用方补充。
func (p ProxyConfig) EngineOptions() proxy.Options {
	mode, _ := proxy.ParseMode(p.Mode)
	return proxy.Options{
		Mode:          mode,
		Manual:        p.ProxySettings(),
		AutoConfigURL: strings.TrimSpace(p.AutoConfigURL),
		ScriptTimeout: p.ScriptTimeout.DurationValue(),
		ResultTTL:     p.ScriptCacheTTL.DurationValue(),
		CacheResults:  p.ScriptCacheEnabled,
		FirefoxPrefs:  expandHome(strings.TrimSpace(p.FirefoxProfile)),
	}
}

// CacheOptions 生成缓存存储参数。
func (g GlobalConfig) CacheOptions() cache.Options {
	return cache.Options{LockTimeout: g.LockTimeout.DurationValue()}
}
