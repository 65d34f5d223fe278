package proxy

import (
	"net"
	"strconv"
	"strings"
)

// fallbackPort 是未指定端口时使用的代理端口。
const fallbackPort = 80

// Endpoint 是一个代理服务器地址。
type Endpoint struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// IsSet 表示是否配置了代理主机。
func (e Endpoint) IsSet() bool {
	return strings.TrimSpace(e.Host) != ""
}

// Addr 返回 host:port，端口缺省时使用 80。
func (e Endpoint) Addr() string {
	port := e.Port
	if port <= 0 {
		port = fallbackPort
	}
	return net.JoinHostPort(strings.TrimSpace(e.Host), strconv.Itoa(port))
}

// Settings 是手工代理模式的完整参数，也是自动探测与浏览器模式的落地形态。
type Settings struct {
	HTTP        Endpoint `json:"http"`
	HTTPS       Endpoint `json:"https"`
	FTP         Endpoint `json:"ftp"`
	SOCKS       Endpoint `json:"socks"`
	SameProxy   bool     `json:"same_proxy"`
	BypassLocal bool     `json:"bypass_local"`
	Bypass      []string `json:"bypass,omitempty"`

	// AutoConfigURL 非空时表示平台要求使用 PAC 脚本。
	AutoConfigURL string `json:"auto_config_url,omitempty"`
}

// parseEndpoint 解析 "host:port"、"host" 或 "http://host:port/" 形式的地址。
func parseEndpoint(raw string) Endpoint {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}
	}
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		raw = raw[i+1:]
	}
	raw = strings.TrimSuffix(raw, "/")
	host, portText, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{Host: strings.Trim(raw, "[]")}
	}
	port, _ := strconv.Atoi(portText)
	return Endpoint{Host: host, Port: port}
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(fallbackPort))
}
