package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/config"
	"github.com/any-hub/webstart-cache/internal/logging"
	"github.com/any-hub/webstart-cache/internal/metrics"
	"github.com/any-hub/webstart-cache/internal/proxy"
	"github.com/any-hub/webstart-cache/internal/tracker"
	"github.com/any-hub/webstart-cache/internal/transport"
)

// appContext 在子命令之间共享配置路径，并按需加载配置与日志。
type appContext struct {
	configPath string
}

func (a *appContext) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global, stdErr)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// services 是 resolve 与 serve 共用的运行时组件。
type services struct {
	store   cache.Store
	engine  *proxy.Engine
	tracker *tracker.Tracker
	metrics *metrics.Metrics
}

// buildServices 按“缓存目录 → 代理引擎 → 传输层 → Tracker”的顺序组装组件。
func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	store, err := cache.NewStore(cfg.Global.CacheDir, cfg.Global.CacheOptions())
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	if !store.Persistent() {
		logger.WithFields(logrus.Fields{
			"action":    "cache_open",
			"cache_dir": cfg.Global.CacheDir,
		}).Warn("缓存目录不可写，本次运行不会持久化")
	}

	engineOpts := cfg.Proxy.EngineOptions()
	engineOpts.Logger = logger
	engine := proxy.NewEngine(engineOpts)

	client := transport.NewClient(transport.Options{
		Routes:         engine,
		ConnectTimeout: cfg.Global.ConnectTimeout.DurationValue(),
		ReadTimeout:    cfg.Global.ReadTimeout.DurationValue(),
		Logger:         logger,
	})

	met := metrics.New()
	tr, err := tracker.New(tracker.Options{
		Store:          store,
		Client:         client,
		Workers:        cfg.Global.Workers,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		MaxBackoff:     cfg.Global.MaxBackoff.DurationValue(),
		PreferHTTPS:    cfg.Global.PreferHTTPS,
		Logger:         logger,
		Metrics:        met,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &services{store: store, engine: engine, tracker: tr, metrics: met}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}

func startupFields(action string, cfg *config.Config) logrus.Fields {
	fields := logging.BaseFields(action, cfg.Path)
	fields["cache_dir"] = cfg.Global.CacheDir
	fields["proxy_mode"] = cfg.Proxy.Mode
	fields["workers"] = cfg.Global.Workers
	return fields
}
