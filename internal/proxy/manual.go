package proxy

import (
	"context"
	"net/url"
	"strings"
)

// Provider 为单个 URL 返回有序的候选路由。实现可以返回错误，由 Engine 降级为 DIRECT。
type Provider interface {
	Select(ctx context.Context, target *url.URL) ([]Route, error)
}

// directProvider 始终直连。
type directProvider struct{}

func (directProvider) Select(context.Context, *url.URL) ([]Route, error) {
	return directOnly(), nil
}

// ManualProvider 使用固定的 host/port 配置，SOCKS 代理作为末位候选追加。
type ManualProvider struct {
	settings Settings
	bypass   Bypass
}

// NewManualProvider 根据手工配置构造 Provider。
func NewManualProvider(settings Settings) *ManualProvider {
	return &ManualProvider{
		settings: settings,
		bypass:   NewBypass(settings.Bypass, settings.BypassLocal),
	}
}

// Select 实现 Provider。
func (p *ManualProvider) Select(_ context.Context, target *url.URL) ([]Route, error) {
	if p.bypass.Match(target.Hostname()) {
		return directOnly(), nil
	}
	return fromSettings(p.settings, strings.ToLower(target.Scheme)), nil
}

// fromSettings 按 scheme 选择代理：SameProxy 时 http/https/ftp 统一使用 HTTP 代理；
// 配置了 SOCKS 时追加在末尾；没有任何候选时返回 DIRECT。
func fromSettings(s Settings, scheme string) []Route {
	var routes []Route
	switch {
	case s.SameProxy:
		if s.HTTP.IsSet() && (scheme == "http" || scheme == "https" || scheme == "ftp") {
			routes = append(routes, Route{Kind: KindHTTP, Addr: s.HTTP.Addr()})
		}
	case scheme == "http" && s.HTTP.IsSet():
		routes = append(routes, Route{Kind: KindHTTP, Addr: s.HTTP.Addr()})
	case scheme == "https" && s.HTTPS.IsSet():
		routes = append(routes, Route{Kind: KindHTTP, Addr: s.HTTPS.Addr()})
	case scheme == "ftp" && s.FTP.IsSet():
		routes = append(routes, Route{Kind: KindHTTP, Addr: s.FTP.Addr()})
	}

	if s.SOCKS.IsSet() {
		routes = append(routes, Route{Kind: KindSOCKS, Addr: s.SOCKS.Addr()})
	}
	if len(routes) == 0 {
		return directOnly()
	}
	return routes
}
