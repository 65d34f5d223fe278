package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind 描述路由类型。
type Kind string

const (
	KindDirect Kind = "DIRECT"
	KindHTTP   Kind = "HTTP"
	KindHTTPS  Kind = "HTTPS"
	KindSOCKS  Kind = "SOCKS"
)

// Route 是一个候选连接方式；Addr 为 host:port，DIRECT 时为空。
type Route struct {
	Kind Kind   `json:"kind"`
	Addr string `json:"addr,omitempty"`
}

// Direct 表示不经过代理的直连路由。
var Direct = Route{Kind: KindDirect}

// directOnly 每次返回新的切片，避免调用方修改共享底层数组。
func directOnly() []Route {
	return []Route{Direct}
}

// IsDirect 表示该路由是否直连。
func (r Route) IsDirect() bool {
	return r.Kind == KindDirect || r.Kind == ""
}

// URL 返回 http.Transport 可用的代理 URL，直连时返回 nil。
func (r Route) URL() *url.URL {
	switch r.Kind {
	case KindHTTP:
		return &url.URL{Scheme: "http", Host: r.Addr}
	case KindHTTPS:
		return &url.URL{Scheme: "https", Host: r.Addr}
	case KindSOCKS:
		return &url.URL{Scheme: "socks5", Host: r.Addr}
	default:
		return nil
	}
}

func (r Route) String() string {
	if r.IsDirect() {
		return string(KindDirect)
	}
	return fmt.Sprintf("%s %s", r.Kind, r.Addr)
}

// ParsePACResult 解析 FindProxyForURL 的返回文本，例如
// "PROXY a:8080; SOCKS b:1080; DIRECT"。未知指令被跳过，解析为空时返回 DIRECT。
func ParsePACResult(result string) []Route {
	var routes []Route
	for _, item := range strings.Split(result, ";") {
		fields := strings.Fields(item)
		if len(fields) == 0 {
			continue
		}
		keyword := strings.ToUpper(fields[0])
		if keyword == "DIRECT" {
			routes = append(routes, Direct)
			continue
		}
		if len(fields) < 2 {
			continue
		}
		addr := withDefaultPort(fields[1])
		switch keyword {
		case "PROXY", "HTTP":
			routes = append(routes, Route{Kind: KindHTTP, Addr: addr})
		case "HTTPS":
			routes = append(routes, Route{Kind: KindHTTPS, Addr: addr})
		case "SOCKS", "SOCKS4", "SOCKS5":
			routes = append(routes, Route{Kind: KindSOCKS, Addr: addr})
		}
	}
	if len(routes) == 0 {
		return directOnly()
	}
	return routes
}
