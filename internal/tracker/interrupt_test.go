package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/webstart-cache/internal/cache"
)

func TestInterruptedDownloadLeavesNothingBehind(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	root := t.TempDir()
	store, err := cache.NewStore(root, cache.Options{LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()
	tr, _ := newTestTracker(t, srv.Client(), func(o *Options) {
		o.Store = store
		o.MaxRetries = 2
	})

	res := resolveOne(t, tr, Request{URL: srv.URL + "/broken.jar"})
	if res.State != StateFailed {
		t.Fatalf("中断的下载应失败: %+v", res)
	}
	if !Retryable(res.Err) {
		t.Fatalf("连接中断应归类为可重试: %v", res.Err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("应按 MaxRetries 重试, attempts=%d", attempts.Load())
	}

	entries, _ := store.List(context.Background())
	if len(entries) != 0 {
		t.Fatalf("不应提交任何条目: %+v", entries)
	}
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasSuffix(path, ".tmp") {
			t.Fatalf("临时文件应被清理: %s", path)
		}
		return nil
	})
}
