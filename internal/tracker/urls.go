package tracker

import (
	"net/url"
	"strings"

	"github.com/any-hub/webstart-cache/internal/version"
)

// JNLP 版本协议的参数与响应头。
const (
	paramVersionID        = "version-id"
	paramCurrentVersionID = "current-version-id"
	headerVersionID       = "x-java-jnlp-version-id"
	headerChecksum        = "X-Checksum-Sha256"
	contentTypeJarDiff    = "application/x-java-archive-diff"
	contentTypeJar        = "application/java-archive"
)

// Key 返回请求的规范化标识，URL 经 canonicalURL 处理，版本约束去掉首尾空白。
func (r Request) Key() Key {
	return keyFor(r)
}

func keyFor(req Request) Key {
	return Key{URL: canonicalURL(req.URL), Version: strings.TrimSpace(req.VersionString)}
}

// canonicalURL 小写 scheme 与 host，去掉默认端口与片段；无法解析时原样返回。
func canonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// candidateURLs 返回依次尝试的下载地址。
func (t *Tracker) candidateURLs(u *url.URL) []*url.URL {
	if !t.preferHTTPS || u.Scheme != "http" || u.Port() != "" {
		return []*url.URL{u}
	}
	secure := *u
	secure.Scheme = "https"
	return []*url.URL{&secure, u}
}

// versionedURL 附加版本协议参数。
func versionedURL(u *url.URL, vs version.String, current version.ID) string {
	if vs.IsZero() && current.IsZero() {
		return u.String()
	}
	out := *u
	q := out.Query()
	if !vs.IsZero() {
		q.Set(paramVersionID, vs.String())
	}
	if !current.IsZero() {
		q.Set(paramCurrentVersionID, current.String())
	}
	out.RawQuery = q.Encode()
	return out.String()
}

func parseVersionString(raw string) (version.String, error) {
	if strings.TrimSpace(raw) == "" {
		return version.String{}, nil
	}
	return version.ParseString(raw)
}

// exactString 将具体版本转换为只接受该版本的约束。
func exactString(id version.ID) version.String {
	if id.IsZero() {
		return version.String{}
	}
	vs, err := version.ParseString(id.String())
	if err != nil {
		return version.String{}
	}
	return vs
}
