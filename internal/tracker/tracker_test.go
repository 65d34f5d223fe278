package tracker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/version"
)

var (
	jarV10 = map[string]string{"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n", "app/Main.class": "main-1.0", "app/Util.class": "util"}
	jarV11 = map[string]string{"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n", "app/Main.class": "main-1.1", "app/Util.class": "util", "app/New.class": "new"}
)

func TestColdFetchThenCachedWithoutNetwork(t *testing.T) {
	server, srv := newJNLPServer(t)
	v10 := buildJar(t, jarV10)
	server.setVersion("1.0", v10)
	tr, _ := newTestTracker(t, srv.Client(), nil)

	req := Request{URL: srv.URL + "/app.jar", VersionString: "1.0"}
	first := resolveOne(t, tr, req)
	if first.State != StateDone || first.FromCache || first.Err != nil {
		t.Fatalf("首次解析应下载成功: %+v", first)
	}
	data, err := os.ReadFile(first.Path)
	if err != nil || string(data) != string(v10) {
		t.Fatalf("缓存内容不符: %v", err)
	}
	if first.Version.String() != "1.0" {
		t.Fatalf("解析版本应为 1.0, got %s", first.Version)
	}

	gets, heads := server.gets.Load(), server.heads.Load()
	second := resolveOne(t, tr, req)
	if second.State != StateDone || !second.FromCache || second.Path != first.Path {
		t.Fatalf("再次解析应命中缓存: %+v", second)
	}
	if server.gets.Load() != gets || server.heads.Load() != heads {
		t.Fatalf("精确版本命中缓存时不应访问网络")
	}
}

func TestUnchangedValidatorRefreshesTimestamp(t *testing.T) {
	server, srv := newJNLPServer(t)
	tr, store := newTestTracker(t, srv.Client(), nil)

	req := Request{URL: srv.URL + "/plain.txt"}
	first := resolveOne(t, tr, req)
	if first.State != StateDone || first.FromCache {
		t.Fatalf("首次解析应下载: %+v", first)
	}
	before, err := store.Lookup(context.Background(), cache.Locator{URL: keyFor(req).URL})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	second := resolveOne(t, tr, req)
	if second.State != StateDone || !second.FromCache {
		t.Fatalf("校验值未变时应使用缓存: %+v", second)
	}
	if server.gets.Load() != 1 || server.heads.Load() != 1 {
		t.Fatalf("应只发出一次 GET 与一次 HEAD, gets=%d heads=%d", server.gets.Load(), server.heads.Load())
	}
	after, _ := store.Lookup(context.Background(), cache.Locator{URL: keyFor(req).URL})
	if !after.LastValidated.After(before.LastValidated) {
		t.Fatalf("last-validated 应被刷新: %v -> %v", before.LastValidated, after.LastValidated)
	}
	if after.SizeBytes != before.SizeBytes || after.SHA256 != before.SHA256 {
		t.Fatalf("缓存内容不应改变")
	}
}

func TestChangedValidatorDownloadsAgain(t *testing.T) {
	server, srv := newJNLPServer(t)
	tr, _ := newTestTracker(t, srv.Client(), nil)
	req := Request{URL: srv.URL + "/plain.txt"}
	resolveOne(t, tr, req)

	server.mu.Lock()
	server.plain, server.plainTag = []byte("updated payload"), `"p2"`
	server.mu.Unlock()

	res := resolveOne(t, tr, req)
	if res.FromCache {
		t.Fatalf("校验值变化时应重新下载")
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != "updated payload" {
		t.Fatalf("内容未更新: %q", data)
	}
}

func TestPatchUpgradesCachedVersion(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.0", buildJar(t, jarV10))
	server.supportDiff = true
	tr, _ := newTestTracker(t, srv.Client(), nil)

	resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0"})
	server.setVersion("1.1", buildJar(t, jarV11))

	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0+"})
	if res.State != StateDone || res.Version.String() != "1.1" {
		t.Fatalf("应升级到 1.1: %+v", res)
	}
	if server.patches.Load() != 1 || server.gets.Load() != 1 {
		t.Fatalf("应通过补丁升级, patches=%d gets=%d", server.patches.Load(), server.gets.Load())
	}
	data, _ := os.ReadFile(res.Path)
	if diff := cmp.Diff(jarV11, jarEntries(t, data)); diff != "" {
		t.Fatalf("补丁结果不符 (-want +got):\n%s", diff)
	}
}

func TestPatchIntegrityFailureFallsBackToFullDownload(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.0", buildJar(t, jarV10))
	server.supportDiff = true
	server.corruptDiff = true
	tr, _ := newTestTracker(t, srv.Client(), nil)

	resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0"})
	v11 := buildJar(t, jarV11)
	server.setVersion("1.1", v11)

	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0+"})
	if res.State != StateDone || res.Err != nil || res.Version.String() != "1.1" {
		t.Fatalf("补丁校验失败后应完整下载: %+v", res)
	}
	if server.patches.Load() != 1 || server.gets.Load() != 2 {
		t.Fatalf("应先尝试补丁再完整下载, patches=%d gets=%d", server.patches.Load(), server.gets.Load())
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != string(v11) {
		t.Fatalf("完整下载内容应与服务器一致")
	}
}

func TestNonExactUsesCacheWhenNothingNewerIsAdmissible(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.0", buildJar(t, jarV10))
	tr, _ := newTestTracker(t, srv.Client(), nil)

	resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0"})
	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "0.9 1.0"})
	if !res.FromCache || server.heads.Load() != 0 {
		t.Fatalf("约束不可能接受更新版本时不应访问网络: %+v heads=%d", res, server.heads.Load())
	}
}

func TestVersionResolutionErrorIsTerminal(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.1", buildJar(t, jarV11))
	server.ignoreVersionID = true
	tr, _ := newTestTracker(t, srv.Client(), nil)

	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "2.0+"})
	var versionErr *VersionResolutionError
	if res.State != StateFailed || !errors.As(res.Err, &versionErr) {
		t.Fatalf("期望 VersionResolutionError, got %+v", res)
	}
	if versionErr.Offered != "1.1" || Retryable(res.Err) {
		t.Fatalf("错误信息不符或被标记为可重试: %v", res.Err)
	}
	if server.gets.Load() != 1 {
		t.Fatalf("版本错误不应重试, gets=%d", server.gets.Load())
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.0", buildJar(t, jarV10))
	server.failGets = 2
	tr, _ := newTestTracker(t, srv.Client(), nil)

	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0"})
	if res.State != StateDone {
		t.Fatalf("重试后应成功: %+v", res)
	}
	if server.gets.Load() != 3 {
		t.Fatalf("期望 3 次 GET, got %d", server.gets.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.0", buildJar(t, jarV10))
	server.failGets = 10
	tr, _ := newTestTracker(t, srv.Client(), func(o *Options) { o.MaxRetries = 2 })

	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0"})
	var netErr *NetworkError
	if res.State != StateFailed || !errors.As(res.Err, &netErr) || netErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("期望 503 NetworkError, got %+v", res)
	}
	if !Retryable(res.Err) {
		t.Fatalf("503 应可重试")
	}
	if server.gets.Load() != 2 {
		t.Fatalf("最多尝试 MaxRetries 次, got %d", server.gets.Load())
	}
}

func TestChecksumMismatchFailsWithIntegrityError(t *testing.T) {
	server, srv := newJNLPServer(t)
	server.setVersion("1.0", buildJar(t, jarV10))
	server.wrongChecksum = true
	tr, store := newTestTracker(t, srv.Client(), func(o *Options) { o.MaxRetries = 2 })

	res := resolveOne(t, tr, Request{URL: srv.URL + "/app.jar", VersionString: "1.0"})
	var integrityErr *IntegrityError
	if !errors.As(res.Err, &integrityErr) {
		t.Fatalf("期望 IntegrityError, got %v", res.Err)
	}
	if server.gets.Load() != 2 {
		t.Fatalf("完整性错误应以新请求重试, gets=%d", server.gets.Load())
	}
	if _, err := store.Lookup(context.Background(), cache.Locator{URL: keyFor(Request{URL: srv.URL + "/app.jar"}).URL, Version: version.MustParseID("1.0")}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("校验失败的内容不应提交, got %v", err)
	}
}

func TestOfflineRevalidationUsesCache(t *testing.T) {
	_, srv := newJNLPServer(t)
	tr, _ := newTestTracker(t, srv.Client(), func(o *Options) { o.MaxRetries = 1 })
	req := Request{URL: srv.URL + "/plain.txt"}
	first := resolveOne(t, tr, req)

	srv.Close()
	res := resolveOne(t, tr, req)
	if res.State != StateDone || !res.FromCache || res.Path != first.Path {
		t.Fatalf("服务器不可达时应回退到缓存: %+v", res)
	}
}

func TestMissingResourceIsTerminal(t *testing.T) {
	_, srv := newJNLPServer(t)
	tr, _ := newTestTracker(t, srv.Client(), nil)

	res := resolveOne(t, tr, Request{URL: srv.URL + "/missing.jar"})
	var netErr *NetworkError
	if !errors.As(res.Err, &netErr) || netErr.Status != http.StatusNotFound || Retryable(res.Err) {
		t.Fatalf("404 应为不可重试的 NetworkError, got %v", res.Err)
	}
}

func TestUnsupportedURL(t *testing.T) {
	tr, _ := newTestTracker(t, nil, nil)
	res := resolveOne(t, tr, Request{URL: "ftp://files.example.com/app.jar"})
	if !errors.Is(res.Err, ErrUnsupportedURL) {
		t.Fatalf("期望 ErrUnsupportedURL, got %v", res.Err)
	}
}
