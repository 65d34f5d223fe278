package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http/httpproxy"
)

// PlatformRegistryAccess 读取操作系统层面的代理配置。
type PlatformRegistryAccess interface {
	ProxySettings(ctx context.Context) (Settings, error)
}

// ErrNoPlatformSettings 表示平台没有可用的代理配置。
var ErrNoPlatformSettings = errors.New("proxy: no platform proxy settings")

// EnvRegistry 读取 HTTP_PROXY / HTTPS_PROXY / NO_PROXY 环境变量。
type EnvRegistry struct {
	// Lookup 返回环境变量配置，默认使用 httpproxy.FromEnvironment。
	Lookup func() *httpproxy.Config
}

// ProxySettings 实现 PlatformRegistryAccess。
func (r EnvRegistry) ProxySettings(context.Context) (Settings, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = httpproxy.FromEnvironment
	}
	cfg := lookup()
	if cfg == nil || (cfg.HTTPProxy == "" && cfg.HTTPSProxy == "") {
		return Settings{}, ErrNoPlatformSettings
	}

	s := Settings{
		HTTP:  parseEndpoint(cfg.HTTPProxy),
		HTTPS: parseEndpoint(cfg.HTTPSProxy),
	}
	if strings.HasPrefix(strings.ToLower(cfg.HTTPProxy), "socks5://") {
		s.SOCKS, s.HTTP = s.HTTP, Endpoint{}
	}
	for _, item := range strings.Split(cfg.NoProxy, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, ".") || strings.Contains(item, "/") || item == "*" {
			s.Bypass = append(s.Bypass, item)
			continue
		}
		// NO_PROXY 中的 example.com 同时覆盖子域名
		s.Bypass = append(s.Bypass, item, "."+item)
	}
	return s, nil
}

// GnomeRegistry 通过 `gsettings list-recursively org.gnome.system.proxy` 读取 GNOME 代理设置。
type GnomeRegistry struct {
	// Run 执行 gsettings 并返回输出，测试中可替换。
	Run func(ctx context.Context) ([]byte, error)
}

// ProxySettings 实现 PlatformRegistryAccess。
func (r GnomeRegistry) ProxySettings(ctx context.Context) (Settings, error) {
	run := r.Run
	if run == nil {
		run = func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "gsettings", "list-recursively", "org.gnome.system.proxy").Output()
		}
	}
	out, err := run(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("proxy: gsettings: %w", err)
	}
	return parseGnomeSettings(string(out))
}

func parseGnomeSettings(out string) (Settings, error) {
	values := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		if len(fields) != 3 {
			continue
		}
		values[fields[0]+" "+fields[1]] = strings.TrimSpace(fields[2])
	}

	get := func(schema, key string) string {
		return strings.Trim(values["org.gnome.system.proxy"+schema+" "+key], "'")
	}
	endpoint := func(schema string) Endpoint {
		host := get(schema, "host")
		if host == "" {
			return Endpoint{}
		}
		port, _ := strconv.Atoi(get(schema, "port"))
		return Endpoint{Host: host, Port: port}
	}

	switch get("", "mode") {
	case "manual":
		return Settings{
			HTTP:      endpoint(".http"),
			HTTPS:     endpoint(".https"),
			FTP:       endpoint(".ftp"),
			SOCKS:     endpoint(".socks"),
			SameProxy: get("", "use-same-proxy") == "true",
			Bypass:    parseGVariantList(get("", "ignore-hosts")),
		}, nil
	case "auto":
		pac := get("", "autoconfig-url")
		if pac == "" {
			return Settings{}, ErrNoPlatformSettings
		}
		if strings.HasPrefix(pac, "/") {
			pac = (&url.URL{Scheme: "file", Path: pac}).String()
		}
		return Settings{AutoConfigURL: pac}, nil
	default:
		return Settings{}, ErrNoPlatformSettings
	}
}

// parseGVariantList 解析 ['a', 'b'] 形式的字符串数组。
func parseGVariantList(raw string) []string {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@as"))
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.Trim(strings.TrimSpace(item), "'\"")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ChainRegistry 依次尝试多个来源，返回第一个成功的结果。
type ChainRegistry []PlatformRegistryAccess

// ProxySettings 实现 PlatformRegistryAccess。
func (c ChainRegistry) ProxySettings(ctx context.Context) (Settings, error) {
	var errs []error
	for _, r := range c {
		s, err := r.ProxySettings(ctx)
		if err == nil {
			return s, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Settings{}, ErrNoPlatformSettings
	}
	return Settings{}, errors.Join(errs...)
}

// AutoDetectProvider 首次使用时读取一次平台配置，之后复用对应的 Provider。
type AutoDetectProvider struct {
	registry PlatformRegistryAccess
	pac      func(scriptURL string) Provider

	once     sync.Once
	delegate Provider
	err      error
}

// NewAutoDetectProvider 构造自动探测 Provider；平台要求 PAC 时通过 pac 构造委托。
func NewAutoDetectProvider(registry PlatformRegistryAccess, pac func(scriptURL string) Provider) *AutoDetectProvider {
	return &AutoDetectProvider{registry: registry, pac: pac}
}

// Select 实现 Provider。
func (p *AutoDetectProvider) Select(ctx context.Context, target *url.URL) ([]Route, error) {
	p.once.Do(func() {
		p.delegate, p.err = delegateFor(ctx, p.registry, p.pac)
	})
	if p.err != nil {
		return nil, p.err
	}
	return p.delegate.Select(ctx, target)
}

func delegateFor(ctx context.Context, registry PlatformRegistryAccess, pac func(string) Provider) (Provider, error) {
	if registry == nil {
		return nil, ErrNoPlatformSettings
	}
	s, err := registry.ProxySettings(ctx)
	if err != nil {
		return nil, err
	}
	if s.AutoConfigURL != "" && pac != nil {
		return pac(s.AutoConfigURL), nil
	}
	return NewManualProvider(s), nil
}
