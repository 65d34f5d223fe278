package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Firefox network.proxy.type 取值。
const (
	firefoxTypeNone   = 0
	firefoxTypeManual = 1
	firefoxTypePAC    = 2
	firefoxTypeNone2  = 3
	firefoxTypeAuto   = 4
	firefoxTypeSystem = 5
)

// ParseFirefoxPrefs 解析 prefs.js 中形如 user_pref("key", value); 的行，字符串值去掉引号。
func ParseFirefoxPrefs(r io.Reader) (map[string]string, error) {
	prefs := map[string]string{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "user_pref(") || !strings.HasSuffix(line, ");") {
			continue
		}
		body := strings.TrimSuffix(strings.TrimPrefix(line, "user_pref("), ");")
		key, value, ok := strings.Cut(body, ",")
		if !ok {
			continue
		}
		key = strings.Trim(strings.TrimSpace(key), `"`)
		value = strings.TrimSpace(value)
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		prefs[key] = value
	}
	return prefs, scanner.Err()
}

// FindFirefoxPrefs 从 home 下的 profiles.ini 定位默认 profile 的 prefs.js。
func FindFirefoxPrefs(home string) (string, error) {
	base := filepath.Join(home, ".mozilla", "firefox")
	cfg, err := ini.Load(filepath.Join(base, "profiles.ini"))
	if err != nil {
		return "", fmt.Errorf("proxy: read profiles.ini: %w", err)
	}

	var fallback string
	for _, sec := range cfg.Sections() {
		if !strings.HasPrefix(sec.Name(), "Profile") {
			continue
		}
		p := sec.Key("Path").String()
		if p == "" {
			continue
		}
		if sec.Key("IsRelative").MustBool(true) {
			p = filepath.Join(base, p)
		}
		prefs := filepath.Join(p, "prefs.js")
		if sec.Key("Default").MustBool(false) {
			return prefs, nil
		}
		if fallback == "" {
			fallback = prefs
		}
	}
	if fallback == "" {
		return "", errors.New("proxy: no firefox profile found")
	}
	return fallback, nil
}

// BrowserProvider 复用 Firefox 的代理设置，首次使用时读取一次 prefs.js。
type BrowserProvider struct {
	prefsPath string
	auto      Provider
	pac       func(scriptURL string) Provider

	once     sync.Once
	delegate Provider
	err      error
}

// NewBrowserProvider 构造浏览器委托 Provider。auto 用于 Firefox 选择"自动/系统"时。
func NewBrowserProvider(prefsPath string, auto Provider, pac func(scriptURL string) Provider) *BrowserProvider {
	return &BrowserProvider{prefsPath: prefsPath, auto: auto, pac: pac}
}

// Select 实现 Provider。
func (p *BrowserProvider) Select(ctx context.Context, target *url.URL) ([]Route, error) {
	p.once.Do(func() {
		p.delegate, p.err = p.load()
	})
	if p.err != nil {
		return nil, p.err
	}
	return p.delegate.Select(ctx, target)
}

func (p *BrowserProvider) load() (Provider, error) {
	path := p.prefsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		if path, err = FindFirefoxPrefs(home); err != nil {
			return nil, err
		}
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "prefs.js")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("proxy: open firefox prefs: %w", err)
	}
	defer f.Close()
	prefs, err := ParseFirefoxPrefs(f)
	if err != nil {
		return nil, fmt.Errorf("proxy: parse firefox prefs: %w", err)
	}
	return providerFromFirefox(prefs, p.auto, p.pac)
}

func providerFromFirefox(prefs map[string]string, auto Provider, pac func(string) Provider) (Provider, error) {
	proxyType := firefoxTypeAuto
	if raw, ok := prefs["network.proxy.type"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy: invalid network.proxy.type %q", raw)
		}
		proxyType = n
	}

	switch proxyType {
	case firefoxTypeNone, firefoxTypeNone2:
		return directProvider{}, nil
	case firefoxTypeManual:
		return NewManualProvider(firefoxSettings(prefs)), nil
	case firefoxTypePAC:
		scriptURL := prefs["network.proxy.autoconfig_url"]
		if scriptURL == "" || pac == nil {
			return directProvider{}, nil
		}
		return pac(scriptURL), nil
	default:
		if auto == nil {
			return directProvider{}, nil
		}
		return auto, nil
	}
}

func firefoxSettings(prefs map[string]string) Settings {
	endpoint := func(key string) Endpoint {
		host := prefs["network.proxy."+key]
		if host == "" {
			return Endpoint{}
		}
		port, _ := strconv.Atoi(prefs["network.proxy."+key+"_port"])
		return Endpoint{Host: host, Port: port}
	}
	var bypass []string
	for _, item := range strings.Split(prefs["network.proxy.no_proxies_on"], ",") {
		if item = strings.TrimSpace(item); item != "" {
			bypass = append(bypass, item)
		}
	}
	return Settings{
		HTTP:      endpoint("http"),
		HTTPS:     endpoint("ssl"),
		FTP:       endpoint("ftp"),
		SOCKS:     endpoint("socks"),
		SameProxy: prefs["network.proxy.share_proxy_settings"] == "true",
		Bypass:    bypass,
	}
}
