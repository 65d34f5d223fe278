package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/buildinfo"
	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/server"
	"github.com/any-hub/webstart-cache/internal/tracker"
)

type checkConfigCmd struct{}

func (checkConfigCmd) Run(app *appContext) error {
	cfg, logger, err := app.load()
	if err != nil {
		return err
	}
	fields := startupFields("check_config", cfg)
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}

type resolveCmd struct {
	URLs      []string `arg:"" optional:"" name:"url" help:"资源 URL，可用 url@版本约束 指定版本"`
	Version   string   `short:"V" help:"未单独指定版本的 URL 使用的版本约束"`
	Batch     string   `placeholder:"FILE" help:"JSON 批处理文件（请求数组），- 表示标准输入"`
	Mandatory bool     `help:"任一资源失败即取消整批"`
	Force     bool     `help:"即使已缓存也向服务器校验"`
	JSON      bool     `name:"json" help:"以 JSON 输出结果"`
	Progress  bool     `help:"在标准错误输出下载进度"`
}

func (c *resolveCmd) Run(app *appContext) error {
	requests, err := c.requests()
	if err != nil {
		return exitCodeError{code: 2, err: err}
	}
	if len(requests) == 0 {
		return exitCodeError{code: 2, err: errors.New("至少需要一个资源 URL 或 --batch 文件")}
	}

	cfg, logger, err := app.load()
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Progress {
		events, cancel := svc.tracker.Subscribe(256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			printProgress(stdErr, events)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	fields := startupFields("resolve", cfg)
	fields["resources"] = len(requests)
	logger.WithFields(fields).Info("开始解析资源")

	results := svc.tracker.ResolveAll(ctx, requests)
	ordered := orderResults(requests, results)
	if c.JSON {
		enc := json.NewEncoder(stdOut)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ordered); err != nil {
			return err
		}
	} else {
		printResults(stdOut, ordered)
	}

	failed := 0
	for _, res := range ordered {
		if res.State == tracker.StateFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d 个资源解析失败", failed)
	}
	return nil
}

// requests 合并位置参数与批处理文件中的请求。
func (c *resolveCmd) requests() ([]tracker.Request, error) {
	var out []tracker.Request
	if c.Batch != "" {
		var r io.Reader = os.Stdin
		if c.Batch != "-" {
			f, err := os.Open(c.Batch)
			if err != nil {
				return nil, fmt.Errorf("读取批处理文件失败: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return nil, fmt.Errorf("解析批处理文件失败: %w", err)
		}
	}
	for i, raw := range c.URLs {
		u, vs := splitVersion(raw)
		if vs == "" {
			vs = c.Version
		}
		out = append(out, tracker.Request{
			URL:           u,
			VersionString: vs,
			Main:          i == 0 && c.Batch == "",
		})
	}
	for i := range out {
		out[i].ForceRevalidate = out[i].ForceRevalidate || c.Force
		out[i].Mandatory = out[i].Mandatory || c.Mandatory
	}
	return out, nil
}

// splitVersion 拆分 "url@1.0+"。'@' 只在最后一个 '/' 之后才视为版本分隔符。
func splitVersion(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	slash := strings.LastIndex(raw, "/")
	at := strings.LastIndex(raw, "@")
	if at <= slash {
		return raw, ""
	}
	return raw[:at], strings.TrimSpace(raw[at+1:])
}

// orderResults 按请求顺序输出结果，重复请求只保留一次。
func orderResults(requests []tracker.Request, results map[tracker.Key]tracker.Result) []tracker.Result {
	out := make([]tracker.Result, 0, len(results))
	seen := make(map[tracker.Key]bool, len(results))
	for _, req := range requests {
		key := req.Key()
		res, ok := results[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, res)
	}
	return out
}

func printResults(w io.Writer, results []tracker.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tVERSION\tCACHED\tURL\tPATH")
	for _, res := range results {
		path := res.Path
		if res.Err != nil {
			path = "error: " + res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", res.State, dash(res.Version.String()), res.FromCache, res.Key.URL, path)
	}
	tw.Flush()
}

func printProgress(w io.Writer, events <-chan tracker.Event) {
	for ev := range events {
		switch ev.Phase {
		case tracker.StateDownloading:
			if ev.Total > 0 {
				fmt.Fprintf(w, "%s %s/%s\n", ev.Key.URL, humanize.Bytes(uint64(ev.Bytes)), humanize.Bytes(uint64(ev.Total)))
			} else {
				fmt.Fprintf(w, "%s %s\n", ev.Key.URL, humanize.Bytes(uint64(ev.Bytes)))
			}
		case tracker.StateDone, tracker.StateFailed, tracker.StateSkipped:
			fmt.Fprintf(w, "%s %s\n", ev.Key.URL, ev.Phase)
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type serveCmd struct {
	Listen string `placeholder:"ADDR" help:"监听地址，覆盖配置中的 ListenAddr"`
}

func (c *serveCmd) Run(app *appContext) error {
	cfg, logger, err := app.load()
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	fiberApp, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Resolver: svc.tracker,
		Store:    svc.store,
		Routes:   svc.engine,
		Metrics:  svc.metrics,
	})
	if err != nil {
		return err
	}

	addr := cfg.Global.ListenAddr
	if c.Listen != "" {
		addr = c.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = fiberApp.Shutdown()
	}()

	fields := startupFields("listen", cfg)
	fields["addr"] = addr
	fields["version"] = buildinfo.Full()
	logger.WithFields(fields).Info("Fiber 服务启动")

	return fiberApp.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

type cacheCmd struct {
	List  cacheListCmd  `cmd:"" help:"列出缓存条目"`
	Clear cacheClearCmd `cmd:"" help:"清空缓存（其它进程使用中时拒绝）"`
}

type cacheListCmd struct {
	JSON bool `name:"json" help:"以 JSON 输出"`
}

func (c *cacheListCmd) Run(app *appContext) error {
	cfg, _, err := app.load()
	if err != nil {
		return err
	}
	store, err := cache.NewStore(cfg.Global.CacheDir, cfg.Global.CacheOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background())
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].URL != entries[j].URL {
			return entries[i].URL < entries[j].URL
		}
		return entries[j].Version.Less(entries[i].Version)
	})

	if c.JSON {
		if entries == nil {
			entries = []cache.Entry{}
		}
		return json.NewEncoder(stdOut).Encode(entries)
	}
	tw := tabwriter.NewWriter(stdOut, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tVERSION\tSIZE\tVALIDATED")
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.URL, dash(e.Version.String()), humanize.Bytes(uint64(e.SizeBytes)), humanize.Time(e.LastValidated))
	}
	tw.Flush()
	fmt.Fprintf(stdOut, "%d entries, %s\n", len(entries), humanize.Bytes(uint64(total)))
	return nil
}

type cacheClearCmd struct{}

func (cacheClearCmd) Run(app *appContext) error {
	cfg, logger, err := app.load()
	if err != nil {
		return err
	}
	store, err := cache.NewStore(cfg.Global.CacheDir, cfg.Global.CacheOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(context.Background()); err != nil {
		if errors.Is(err, cache.ErrCacheInUse) {
			return errors.New("缓存正被其它进程使用，无法清空")
		}
		return err
	}
	logger.WithFields(logrus.Fields{
		"action":    "cache_clear",
		"cache_dir": cfg.Global.CacheDir,
	}).Info("缓存已清空")
	fmt.Fprintln(stdOut, "cache cleared")
	return nil
}
