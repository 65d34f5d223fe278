package tracker

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/logging"
	"github.com/any-hub/webstart-cache/internal/metrics"
)

const (
	defaultWorkers        = 4
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// Options 描述 Tracker 的依赖与策略。
type Options struct {
	Store  cache.Store
	Client *http.Client

	Workers        int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PreferHTTPS 时对未显式指定端口的 http:// 资源先尝试 https://。
	PreferHTTPS bool
	// TempDir 存放补丁合并的中间文件，为空时使用系统临时目录。
	TempDir string

	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Keystore PlatformKeystoreAccess

	// GOOS/GOARCH 用于平台过滤，默认取 runtime 值。
	GOOS   string
	GOARCH string
}

// Tracker 解析资源批次。同一实例可被多个 goroutine 并发使用。
type Tracker struct {
	store          cache.Store
	client         *http.Client
	workers        int
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	preferHTTPS    bool
	tempDir        string
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	keystore       PlatformKeystoreAccess
	goos, goarch   string

	flight  singleflight.Group
	callMu  sync.Mutex
	callers map[string]*sharedCall

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New 构造 Tracker。Store 必填，其余参数缺省时使用默认值。
func New(opts Options) (*Tracker, error) {
	if opts.Store == nil {
		return nil, errors.New("tracker: store is required")
	}
	t := &Tracker{
		store:          opts.Store,
		client:         opts.Client,
		workers:        opts.Workers,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		preferHTTPS:    opts.PreferHTTPS,
		tempDir:        opts.TempDir,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		keystore:       opts.Keystore,
		goos:           opts.GOOS,
		goarch:         opts.GOARCH,
		subs:           make(map[int]chan Event),
		callers:        make(map[string]*sharedCall),
	}
	if t.client == nil {
		t.client = http.DefaultClient
	}
	if t.workers <= 0 {
		t.workers = defaultWorkers
	}
	if t.maxRetries <= 0 {
		t.maxRetries = defaultMaxRetries
	}
	if t.initialBackoff <= 0 {
		t.initialBackoff = defaultInitialBackoff
	}
	if t.maxBackoff <= 0 {
		t.maxBackoff = defaultMaxBackoff
	}
	if t.logger == nil {
		t.logger = logrus.StandardLogger()
	}
	if t.keystore == nil {
		t.keystore = NoopKeystore{}
	}
	if t.goos == "" {
		t.goos = runtime.GOOS
	}
	if t.goarch == "" {
		t.goarch = runtime.GOARCH
	}
	return t, nil
}

// ResolveAll 并发解析一批资源。重复的 Key 只解析一次；Mandatory 资源失败时
// 取消整批，尚未开始的资源以 context.Canceled 失败。
func (t *Tracker) ResolveAll(ctx context.Context, requests []Request) map[Key]Result {
	ordered := make([]Request, len(requests))
	copy(ordered, requests)
	// 主 JAR 优先调度
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Main && !ordered[j].Main })

	results := make(map[Key]Result, len(ordered))
	var mu sync.Mutex
	seen := make(map[Key]bool, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, req := range ordered {
		key := keyFor(req)
		if seen[key] {
			continue
		}
		seen[key] = true
		t.publish(Event{Key: key, Phase: StatePending})

		req := req
		g.Go(func() error {
			res := t.Resolve(gctx, req)
			mu.Lock()
			results[res.Key] = res
			mu.Unlock()
			if res.State == StateFailed && req.Mandatory {
				return res.Err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Resolve 解析单个资源。并发调用同一 Key 时共享一次解析；共享的解析不受
// 单个调用方取消的影响，只有所有调用方都离开后才会被取消。
func (t *Tracker) Resolve(ctx context.Context, req Request) Result {
	key := keyFor(req)
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return t.finish(key, Result{Key: key, State: StateFailed, Err: err}, started)
	}

	name := flightName(key, req)
	call := t.join(name, ctx)
	defer t.leave(name, call)

	ch := t.flight.DoChan(name, func() (interface{}, error) {
		began := time.Now()
		return t.finish(key, t.resolve(call.ctx, key, req), began), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return t.finish(key, Result{Key: key, State: StateFailed, Err: ctx.Err()}, started)
	}
}

// sharedCall 是同名解析共享的上下文，waiters 归零时取消。
type sharedCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// flightName 区分强制重新验证的请求，避免被普通解析的结果应答。
func flightName(key Key, req Request) string {
	if req.ForceRevalidate {
		return key.String() + "#force"
	}
	return key.String()
}

func (t *Tracker) join(name string, parent context.Context) *sharedCall {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	call := t.callers[name]
	if call == nil {
		ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
		call = &sharedCall{ctx: ctx, cancel: cancel}
		t.callers[name] = call
	}
	call.waiters++
	return call
}

func (t *Tracker) leave(name string, call *sharedCall) {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	call.waiters--
	if call.waiters > 0 {
		return
	}
	if t.callers[name] == call {
		delete(t.callers, name)
		// 被取消的解析可能仍在收尾，后来者应重新发起
		t.flight.Forget(name)
	}
	call.cancel()
}

func (t *Tracker) finish(key Key, res Result, started time.Time) Result {
	res.Key = key
	label := string(res.State)
	if res.State == StateDone && res.FromCache {
		label = string(StateCached)
	}
	t.metrics.ResourceFinished(label, time.Since(started))

	fields := logging.ResourceFields(key.URL, key.Version, string(res.State))
	fields["action"] = "resolve"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["from_cache"] = res.FromCache
	if res.Err != nil {
		fields["error"] = res.Err.Error()
		fields["retryable"] = Retryable(res.Err)
		t.logger.WithFields(fields).Error("resource_failed")
	} else {
		t.logger.WithFields(fields).Debug("resource_resolved")
	}
	t.publish(Event{Key: key, Phase: res.State})
	return res
}

// Subscribe 注册进度订阅者。buffer 满时事件被丢弃，cancel 后通道关闭。
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) publish(ev Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// phase 记录阶段切换。
func (t *Tracker) phase(key Key, state State, bytes, total int64) {
	if state != StateDownloading || bytes == 0 {
		fields := logging.ResourceFields(key.URL, key.Version, string(state))
		fields["action"] = "resolve_phase"
		t.logger.WithFields(fields).Debug("resource_phase")
	}
	t.publish(Event{Key: key, Phase: state, Bytes: bytes, Total: total})
}
