package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.ResourceFinished("DONE", 20*time.Millisecond)
	m.ResourceFinished("DONE", 30*time.Millisecond)
	m.ResourceFinished("FAILED", time.Millisecond)
	m.AddDownloadBytes(1024)
	m.AddDownloadBytes(-5)
	m.Retry()
	m.Patch(PatchApplied)

	if got := testutil.ToFloat64(m.resources.WithLabelValues("DONE")); got != 2 {
		t.Fatalf("DONE 计数应为 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.downloadBytes); got != 1024 {
		t.Fatalf("下载字节应为 1024, got %v", got)
	}
	if got := testutil.ToFloat64(m.retries); got != 1 {
		t.Fatalf("重试计数应为 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.patches.WithLabelValues(PatchApplied)); got != 1 {
		t.Fatalf("补丁计数应为 1, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ResourceFinished("DONE", time.Second)
	m.AddDownloadBytes(1)
	m.Retry()
	m.Patch(PatchFallback)
	if m.Registry() != nil {
		t.Fatalf("nil Metrics 不应返回 registry")
	}
}

func TestHandlerExposesPrivateRegistry(t *testing.T) {
	m := New()
	m.Retry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "webstart_cache_download_retries_total 1") {
		t.Fatalf("指标输出缺少重试计数:\n%s", body)
	}
}
