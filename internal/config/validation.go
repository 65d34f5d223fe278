package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/any-hub/webstart-cache/internal/proxy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.Workers <= 0 {
		return newFieldError("Global.Workers", "必须大于 0")
	}
	if g.MaxRetries <= 0 {
		return newFieldError("Global.MaxRetries", "必须大于 0")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", "不能小于 InitialBackoff")
	}
	if g.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ConnectTimeout", "必须大于 0")
	}
	if g.ReadTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ReadTimeout", "必须大于 0")
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LockTimeout", "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}
	if _, _, err := net.SplitHostPort(g.ListenAddr); err != nil {
		return newFieldError("Global.ListenAddr", "必须是 host:port 形式")
	}

	return c.Proxy.validate()
}

func (p ProxyConfig) validate() error {
	mode, err := proxy.ParseMode(p.Mode)
	if err != nil {
		return newFieldError(proxyField("Mode"), "仅支持 DIRECT|MANUAL|AUTO_CONFIG_URL|AUTO_DETECT|BROWSER_DELEGATED")
	}

	ports := map[string]int{
		"HTTPPort":  p.HTTPPort,
		"HTTPSPort": p.HTTPSPort,
		"FTPPort":   p.FTPPort,
		"SOCKSPort": p.SOCKSPort,
	}
	for name, port := range ports {
		if port < 0 || port > 65535 {
			return newFieldError(proxyField(name), "必须在 0-65535")
		}
	}
	if p.ScriptTimeout.DurationValue() <= 0 {
		return newFieldError(proxyField("ScriptTimeout"), "必须大于 0")
	}
	if p.ScriptCacheTTL.DurationValue() < 0 {
		return newFieldError(proxyField("ScriptCacheTTL"), "不能为负数")
	}

	switch mode {
	case proxy.ModeManual:
		if p.HTTPHost == "" && p.HTTPSHost == "" && p.FTPHost == "" && p.SOCKSHost == "" {
			return newFieldError(proxyField("HTTPHost"), "MANUAL 模式至少需要一个代理主机")
		}
	case proxy.ModeAutoConfigURL:
		if err := validateScriptURL(p.AutoConfigURL); err != nil {
			return fmt.Errorf("%s: %w", proxyField("AutoConfigURL"), err)
		}
	}
	return nil
}

func validateScriptURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("AUTO_CONFIG_URL 模式缺少脚本地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("脚本地址缺少 Host: %s", raw)
		}
	case "file":
	default:
		return fmt.Errorf("仅支持 http/https/file，脚本地址: %s", raw)
	}
	return nil
}
