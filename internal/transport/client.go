package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"

	"github.com/any-hub/webstart-cache/internal/buildinfo"
	"github.com/any-hub/webstart-cache/internal/proxy"
)

const (
	// DefaultConnectTimeout 是建立 TCP 连接（含代理握手）的默认超时。
	DefaultConnectTimeout = 30 * time.Second
	// DefaultReadTimeout 是单次读取无进展的默认上限。
	DefaultReadTimeout = 60 * time.Second
)

// RouteSelector 为 URL 返回有序候选路由，*proxy.Engine 满足该接口。
type RouteSelector interface {
	Select(ctx context.Context, target *url.URL) []proxy.Route
}

// Options 描述客户端参数。
type Options struct {
	Routes         RouteSelector
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	UserAgent      string
	Logger         *logrus.Logger
}

// NewClient 返回按代理路由选路的 http.Client。未设置 Routes 时始终直连。
// Client 本身不设整体超时，下载时长只受 ReadTimeout 与 ctx 约束。
func NewClient(opts Options) *http.Client {
	return &http.Client{Transport: NewTransport(opts)}
}

// Transport 是选路、回退、解压与读超时的 RoundTripper。
type Transport struct {
	routes      RouteSelector
	connect     time.Duration
	readTimeout time.Duration
	userAgent   string
	logger      *logrus.Logger

	mu    sync.Mutex
	byKey map[string]*http.Transport
}

// NewTransport 构造 Transport。
func NewTransport(opts Options) *Transport {
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	read := opts.ReadTimeout
	if read <= 0 {
		read = DefaultReadTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = buildinfo.UserAgent()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Transport{
		routes:      opts.Routes,
		connect:     connect,
		readTimeout: read,
		userAgent:   ua,
		logger:      logger,
		byKey:       make(map[string]*http.Transport),
	}
}

// RoundTrip 实现 http.RoundTripper。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	routes := []proxy.Route{proxy.Direct}
	if t.routes != nil {
		routes = t.routes.Select(req.Context(), req.URL)
	}

	outReq := req.Clone(req.Context())
	if outReq.Header.Get("User-Agent") == "" {
		outReq.Header.Set("User-Agent", t.userAgent)
	}
	decode := false
	if outReq.Header.Get("Accept-Encoding") == "" && outReq.Method != http.MethodHead {
		outReq.Header.Set("Accept-Encoding", AcceptEncoding)
		decode = true
	}
	replayable := outReq.Body == nil || outReq.Body == http.NoBody || outReq.GetBody != nil

	var lastErr error
	for i, route := range routes {
		if i > 0 {
			if !replayable {
				break
			}
			if outReq.GetBody != nil {
				body, err := outReq.GetBody()
				if err != nil {
					return nil, err
				}
				outReq.Body = body
			}
		}

		rt, err := t.transportFor(route)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := rt.RoundTrip(outReq)
		if err == nil {
			if decode {
				if err := decodeResponse(resp); err != nil {
					resp.Body.Close()
					return nil, err
				}
			}
			resp.Body = newDeadlineBody(resp.Body, t.readTimeout)
			return resp, nil
		}
		lastErr = err
		if !isConnectError(err) || req.Context().Err() != nil {
			return nil, err
		}
		t.logger.WithFields(logrus.Fields{
			"action": "route_fallback",
			"route":  route.String(),
			"target": req.URL.Redacted(),
			"error":  err.Error(),
		}).Debug("route unreachable")
	}
	if lastErr == nil {
		lastErr = errors.New("transport: no usable route")
	}
	return nil, lastErr
}

// CloseIdleConnections 关闭所有路由上的空闲连接。
func (t *Transport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rt := range t.byKey {
		rt.CloseIdleConnections()
	}
}

func (t *Transport) transportFor(route proxy.Route) (*http.Transport, error) {
	key := route.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.byKey[key]; ok {
		return rt, nil
	}

	dialer := &net.Dialer{Timeout: t.connect, KeepAlive: 30 * time.Second}
	rt := baseTransport(dialer)
	switch route.Kind {
	case proxy.KindHTTP, proxy.KindHTTPS:
		rt.Proxy = http.ProxyURL(route.URL())
	case proxy.KindSOCKS:
		socks, err := xproxy.SOCKS5("tcp", route.Addr, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("transport: socks route %s: %w", route.Addr, err)
		}
		cd, ok := socks.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("transport: socks route %s: dialer lacks context support", route.Addr)
		}
		rt.DialContext = cd.DialContext
	}
	t.byKey[key] = rt
	return rt, nil
}

// baseTransport 复用长连接并集中配置超时；解压由 Transport 负责。
func baseTransport(dialer *net.Dialer) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}
}

// isConnectError 判断错误是否发生在连接建立阶段，此时可以安全换下一条路由。
func isConnectError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		op := strings.ToLower(opErr.Op)
		return op == "dial" || op == "proxyconnect" || strings.HasPrefix(op, "socks")
	}
	return false
}
