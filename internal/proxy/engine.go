package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode 是代理解析模式。
type Mode string

const (
	ModeDirect           Mode = "DIRECT"
	ModeManual           Mode = "MANUAL"
	ModeAutoConfigURL    Mode = "AUTO_CONFIG_URL"
	ModeAutoDetect       Mode = "AUTO_DETECT"
	ModeBrowserDelegated Mode = "BROWSER_DELEGATED"
)

// ParseMode 大小写不敏感地解析模式名，空串视为 DIRECT。
func ParseMode(raw string) (Mode, error) {
	normalized := Mode(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case "":
		return ModeDirect, nil
	case ModeDirect, ModeManual, ModeAutoConfigURL, ModeAutoDetect, ModeBrowserDelegated:
		return normalized, nil
	default:
		return "", fmt.Errorf("proxy: unsupported mode %q", raw)
	}
}

// Options 描述 Engine 的构造参数。
type Options struct {
	Mode          Mode
	Manual        Settings
	AutoConfigURL string
	ScriptTimeout time.Duration
	ResultTTL     time.Duration
	CacheResults  bool
	FirefoxPrefs  string

	// Registry 为空时使用环境变量，Linux 上额外尝试 GNOME。
	Registry PlatformRegistryAccess
	// ScriptClient 用于下载 PAC 脚本，为空时使用直连客户端。
	ScriptClient *http.Client
	Logger       *logrus.Logger
}

// Engine 是代理选择的唯一入口，保证每次都返回至少一个路由。
type Engine struct {
	mode     Mode
	provider Provider
	cache    *ResultCache
	logger   *logrus.Logger
}

// NewEngine 根据模式构造对应的 Provider。
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeDirect
	}

	cache := NewResultCache(opts.ResultTTL, opts.CacheResults)
	pac := func(scriptURL string) Provider {
		return NewPACProvider(scriptURL, opts.ScriptClient, opts.ScriptTimeout, cache)
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	var provider Provider
	switch mode {
	case ModeManual:
		provider = NewManualProvider(opts.Manual)
	case ModeAutoConfigURL:
		provider = pac(opts.AutoConfigURL)
	case ModeAutoDetect:
		provider = NewAutoDetectProvider(registry, pac)
	case ModeBrowserDelegated:
		provider = NewBrowserProvider(opts.FirefoxPrefs, NewAutoDetectProvider(registry, pac), pac)
	default:
		provider = directProvider{}
	}

	return &Engine{mode: mode, provider: provider, cache: cache, logger: logger}
}

// DefaultRegistry 返回当前平台的默认配置来源。
func DefaultRegistry() PlatformRegistryAccess {
	if runtime.GOOS == "linux" {
		return ChainRegistry{EnvRegistry{}, GnomeRegistry{}}
	}
	return EnvRegistry{}
}

// Mode 返回当前模式。
func (e *Engine) Mode() Mode {
	return e.mode
}

// ResultCache 返回 PAC 结果缓存，便于诊断或清空。
func (e *Engine) ResultCache() *ResultCache {
	return e.cache
}

// Select 返回 target 的候选路由。任何错误或 panic 都降级为 DIRECT 并记录 warn 日志。
func (e *Engine) Select(ctx context.Context, target *url.URL) (routes []Route) {
	if target == nil || target.Host == "" {
		return directOnly()
	}

	defer func() {
		if caught := recover(); caught != nil {
			e.degrade(target, fmt.Errorf("panic: %v", caught))
			routes = directOnly()
		}
	}()

	routes, err := e.provider.Select(ctx, target)
	if err != nil {
		e.degrade(target, err)
		return directOnly()
	}
	if len(routes) == 0 {
		return directOnly()
	}
	return routes
}

// SelectURL 是 Select 的字符串版本，URL 无法解析时返回 DIRECT。
func (e *Engine) SelectURL(ctx context.Context, raw string) []Route {
	u, err := url.Parse(raw)
	if err != nil {
		e.degrade(&url.URL{Opaque: raw}, err)
		return directOnly()
	}
	return e.Select(ctx, u)
}

func (e *Engine) degrade(target *url.URL, err error) {
	e.logger.WithFields(logrus.Fields{
		"action": "proxy_select",
		"mode":   string(e.mode),
		"target": target.Redacted(),
		"error":  err.Error(),
	}).Warn("proxy_degraded_to_direct")
}
