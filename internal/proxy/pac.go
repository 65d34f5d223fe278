package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

const (
	// DefaultScriptTimeout 是 PAC 下载与单次求值的默认超时。
	DefaultScriptTimeout = 5 * time.Second
	maxPACSize           = 1 << 20
	pacRetryInterval     = time.Minute
)

var errScriptTimeout = errors.New("proxy: pac evaluation timed out")

// pacScript 持有已加载 PAC 脚本的 JS 虚拟机。otto 非并发安全，求值串行进行。
type pacScript struct {
	mu      sync.Mutex
	vm      *otto.Otto
	timeout time.Duration
}

func compilePAC(src string, env *pacEnv, timeout time.Duration) (*pacScript, error) {
	vm := otto.New()
	if err := registerPACFuncs(vm, env); err != nil {
		return nil, err
	}
	if _, err := vm.Run(src); err != nil {
		return nil, fmt.Errorf("proxy: compile pac: %w", err)
	}
	fn, err := vm.Get("FindProxyForURL")
	if err != nil || !fn.IsFunction() {
		return nil, errors.New("proxy: pac script does not define FindProxyForURL")
	}
	return &pacScript{vm: vm, timeout: timeout}, nil
}

// FindProxyForURL 在超时或 ctx 取消时中断脚本执行。
func (s *pacScript) FindProxyForURL(ctx context.Context, rawURL, host string) (result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if caught := recover(); caught != nil {
			if caught == errScriptTimeout {
				err = errScriptTimeout
				return
			}
			panic(caught)
		}
	}()

	interrupt := make(chan func(), 1)
	s.vm.Interrupt = interrupt
	halt := func() {
		select {
		case interrupt <- func() { panic(errScriptTimeout) }:
		default:
		}
	}
	timer := time.AfterFunc(s.timeout, halt)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, halt)
	defer stop()

	value, err := s.vm.Call("FindProxyForURL", nil, rawURL, host)
	if err != nil {
		return "", fmt.Errorf("proxy: evaluate pac: %w", err)
	}
	if value.IsUndefined() || value.IsNull() {
		return "", nil
	}
	return value.ToString()
}

func registerPACFuncs(vm *otto.Otto, env *pacEnv) error {
	boolFn := func(f func(args []string) bool) func(otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			if f(stringArgs(call)) {
				return otto.TrueValue()
			}
			return otto.FalseValue()
		}
	}

	funcs := map[string]interface{}{
		"isPlainHostName": boolFn(func(a []string) bool { return isPlainHostName(arg(a, 0)) }),
		"dnsDomainIs":     boolFn(func(a []string) bool { return dnsDomainIs(arg(a, 0), arg(a, 1)) }),
		"localHostOrDomainIs": boolFn(func(a []string) bool {
			return localHostOrDomainIs(arg(a, 0), arg(a, 1))
		}),
		"isResolvable": boolFn(func(a []string) bool { return env.isResolvable(arg(a, 0)) }),
		"isInNet":      boolFn(func(a []string) bool { return env.isInNet(arg(a, 0), arg(a, 1), arg(a, 2)) }),
		"shExpMatch":   boolFn(func(a []string) bool { return shExpMatch(arg(a, 0), arg(a, 1)) }),
		"weekdayRange": boolFn(func(a []string) bool { return env.weekdayRange(a...) }),
		"dateRange":    boolFn(func(a []string) bool { return env.dateRange(a...) }),
		"timeRange":    boolFn(func(a []string) bool { return env.timeRange(a...) }),
		"dnsDomainLevels": func(call otto.FunctionCall) otto.Value {
			v, _ := otto.ToValue(dnsDomainLevels(call.Argument(0).String()))
			return v
		},
		"dnsResolve": func(call otto.FunctionCall) otto.Value {
			ip := env.dnsResolve(call.Argument(0).String())
			if ip == "" {
				return otto.NullValue()
			}
			v, _ := otto.ToValue(ip)
			return v
		},
		"myIpAddress": func(call otto.FunctionCall) otto.Value {
			v, _ := otto.ToValue(env.myIPAddress())
			return v
		},
	}
	for name, fn := range funcs {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("proxy: register %s: %w", name, err)
		}
	}
	return nil
}

func stringArgs(call otto.FunctionCall) []string {
	out := make([]string, len(call.ArgumentList))
	for i, v := range call.ArgumentList {
		out[i] = v.String()
	}
	return out
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// PACProvider 按 PAC 脚本为 URL 选路。脚本首次使用时下载，失败后一分钟内不再重试。
type PACProvider struct {
	scriptURL string
	client    *http.Client
	timeout   time.Duration
	cache     *ResultCache
	env       *pacEnv
	now       func() time.Time

	mu       sync.Mutex
	script   *pacScript
	lastErr  error
	failedAt time.Time
}

// NewPACProvider 构造 PAC Provider。client 应为直连客户端，避免下载 PAC 时递归选路。
func NewPACProvider(scriptURL string, client *http.Client, timeout time.Duration, cache *ResultCache) *PACProvider {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if client == nil {
		client = &http.Client{Transport: &http.Transport{Proxy: nil}}
	}
	return &PACProvider{
		scriptURL: scriptURL,
		client:    client,
		timeout:   timeout,
		cache:     cache,
		env:       newPACEnv(),
		now:       time.Now,
	}
}

// Select 实现 Provider。
func (p *PACProvider) Select(ctx context.Context, target *url.URL) ([]Route, error) {
	if cached, ok := p.cache.Get(target); ok {
		return ParsePACResult(cached), nil
	}

	script, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	result, err := script.FindProxyForURL(ctx, target.String(), target.Hostname())
	if err != nil {
		return nil, err
	}
	p.cache.Put(target, result)
	return ParsePACResult(result), nil
}

func (p *PACProvider) load(ctx context.Context) (*pacScript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.script != nil {
		return p.script, nil
	}
	if p.lastErr != nil && p.now().Sub(p.failedAt) < pacRetryInterval {
		return nil, p.lastErr
	}

	src, err := p.fetch(ctx)
	if err == nil {
		p.script, err = compilePAC(src, p.env, p.timeout)
	}
	if err != nil {
		p.lastErr = err
		p.failedAt = p.now()
		return nil, err
	}
	p.lastErr = nil
	return p.script, nil
}

func (p *PACProvider) fetch(ctx context.Context) (string, error) {
	u, err := url.Parse(p.scriptURL)
	if err != nil {
		return "", fmt.Errorf("proxy: pac url: %w", err)
	}
	if u.Scheme == "file" {
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return "", fmt.Errorf("proxy: read pac: %w", err)
		}
		return string(data), nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.scriptURL, nil)
	if err != nil {
		return "", fmt.Errorf("proxy: pac request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxy: download pac: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("proxy: download pac: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPACSize))
	if err != nil {
		return "", fmt.Errorf("proxy: read pac: %w", err)
	}
	return string(data), nil
}
