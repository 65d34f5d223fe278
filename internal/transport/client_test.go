package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/proxy"
)

type staticRoutes []proxy.Route

func (s staticRoutes) Select(context.Context, *url.URL) []proxy.Route { return s }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func get(t *testing.T, client *http.Client, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestFallsBackToNextRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "direct-ok")
	}))
	defer upstream.Close()

	client := NewClient(Options{
		Routes: staticRoutes{
			{Kind: proxy.KindHTTP, Addr: closedAddr(t)},
			{Kind: proxy.KindSOCKS, Addr: closedAddr(t)},
			proxy.Direct,
		},
		ConnectTimeout: time.Second,
		Logger:         quietLogger(),
	})
	_, body := get(t, client, upstream.URL+"/app.jar")
	if string(body) != "direct-ok" {
		t.Fatalf("应回退到直连, got %q", body)
	}
}

func TestAllRoutesUnreachable(t *testing.T) {
	client := NewClient(Options{
		Routes:         staticRoutes{{Kind: proxy.KindHTTP, Addr: closedAddr(t)}},
		ConnectTimeout: time.Second,
		Logger:         quietLogger(),
	})
	if _, err := client.Get("http://apps.example.com/app.jar"); err == nil {
		t.Fatalf("所有路由不可达时应返回错误")
	}
}

func TestHTTPProxyRoute(t *testing.T) {
	var seen string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		io.WriteString(w, "via-proxy")
	}))
	defer proxySrv.Close()

	client := NewClient(Options{
		Routes: staticRoutes{{Kind: proxy.KindHTTP, Addr: strings.TrimPrefix(proxySrv.URL, "http://")}},
		Logger: quietLogger(),
	})
	_, body := get(t, client, "http://apps.example.com/lib/app.jar")
	if string(body) != "via-proxy" {
		t.Fatalf("unexpected body %q", body)
	}
	if seen != "http://apps.example.com/lib/app.jar" {
		t.Fatalf("代理应收到绝对 URL, got %q", seen)
	}
}

func TestDecodesCompressedBodies(t *testing.T) {
	payload := bytes.Repeat([]byte("webstart-resource "), 200)

	testCases := []struct {
		encoding string
		encode   func(w io.Writer) io.WriteCloser
	}{
		{"gzip", func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }},
		{"br", func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) }},
	}
	for _, tc := range testCases {
		t.Run(tc.encoding, func(t *testing.T) {
			var gotAccept string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAccept = r.Header.Get("Accept-Encoding")
				w.Header().Set("Content-Encoding", tc.encoding)
				enc := tc.encode(w)
				enc.Write(payload)
				enc.Close()
			}))
			defer srv.Close()

			client := NewClient(Options{Logger: quietLogger()})
			resp, body := get(t, client, srv.URL)
			if !bytes.Equal(body, payload) {
				t.Fatalf("解码内容不符, len=%d", len(body))
			}
			if gotAccept != AcceptEncoding {
				t.Fatalf("Accept-Encoding = %q", gotAccept)
			}
			if !resp.Uncompressed || resp.ContentLength != -1 || resp.Header.Get("Content-Encoding") != "" {
				t.Fatalf("解码后应清除编码与长度信息: %+v", resp.Header)
			}
		})
	}
}

func TestExplicitAcceptEncodingIsNotDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte("raw"))
		zw.Close()
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := NewClient(Options{Logger: quietLogger()}).Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("调用方自行声明编码时不应解码")
	}
}

func TestDefaultUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	get(t, NewClient(Options{Logger: quietLogger()}), srv.URL)
	if !strings.HasPrefix(ua, "webstart-cache/") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}

func TestReadStallDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(Options{ReadTimeout: 50 * time.Millisecond, Logger: quietLogger()})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	if !errors.Is(err, ErrReadStalled) {
		t.Fatalf("期望读超时, got %v", err)
	}
}

func TestIsConnectError(t *testing.T) {
	testCases := []struct {
		err  error
		want bool
	}{
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{&net.OpError{Op: "proxyconnect", Err: errors.New("refused")}, true},
		{&net.OpError{Op: "socks connect", Err: errors.New("refused")}, true},
		{&net.DNSError{Err: "no such host", Name: "x"}, true},
		{&net.OpError{Op: "read", Err: errors.New("reset")}, false},
		{errors.New("boom"), false},
	}
	for _, tc := range testCases {
		if got := isConnectError(tc.err); got != tc.want {
			t.Fatalf("isConnectError(%v) = %v", tc.err, got)
		}
	}
}
