package tracker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/jardiff"
	"github.com/any-hub/webstart-cache/internal/version"
)

var fixedModTime = time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)

// jnlpServer 模拟支持版本协议与 JarDiff 的下载服务。
type jnlpServer struct {
	t *testing.T

	mu       sync.Mutex
	versions map[string][]byte
	plain    []byte
	plainTag string

	supportDiff     bool
	corruptDiff     bool
	wrongChecksum   bool
	ignoreVersionID bool
	failGets        int32

	heads   atomic.Int32
	gets    atomic.Int32
	patches atomic.Int32
}

func newJNLPServer(t *testing.T) (*jnlpServer, *httptest.Server) {
	s := &jnlpServer{t: t, versions: map[string][]byte{}, plainTag: `"p1"`, plain: []byte("unversioned payload")}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *jnlpServer) setVersion(v string, jar []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v] = jar
}

func (s *jnlpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		s.heads.Add(1)
	}
	switch r.URL.Path {
	case "/plain.txt":
		s.servePlain(w, r)
	case "/app.jar":
		s.serveJar(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *jnlpServer) servePlain(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body, tag := s.plain, s.plainTag
	s.mu.Unlock()

	w.Header().Set("ETag", tag)
	w.Header().Set("Last-Modified", fixedModTime.Format(http.TimeFormat))
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodGet {
		s.gets.Add(1)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(body)
}

func (s *jnlpServer) serveJar(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]version.ID, 0, len(s.versions))
	for v := range s.versions {
		ids = append(ids, version.MustParseID(v))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[j].Less(ids[i]) })

	var chosen version.ID
	if raw := r.URL.Query().Get(paramVersionID); raw != "" && !s.ignoreVersionID {
		best, ok := version.MustParseString(raw).Best(ids)
		if !ok {
			http.Error(w, "no matching version", http.StatusNotFound)
			return
		}
		chosen = best
	} else if len(ids) > 0 {
		chosen = ids[0]
	} else {
		http.NotFound(w, r)
		return
	}

	body := s.versions[chosen.String()]
	w.Header().Set(headerVersionID, chosen.String())
	w.Header().Set("ETag", `"v`+chosen.String()+`"`)
	w.Header().Set("Last-Modified", fixedModTime.Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", contentTypeJar)
		return
	}

	if current := r.URL.Query().Get(paramCurrentVersionID); current != "" && s.supportDiff &&
		strings.Contains(r.Header.Get("Accept"), contentTypeJarDiff) {
		if old, ok := s.versions[current]; ok {
			s.patches.Add(1)
			s.writeDiff(w, old, body)
			return
		}
	}

	s.gets.Add(1)
	if s.failGets > 0 {
		s.failGets--
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	if s.wrongChecksum {
		checksum = strings.Repeat("0", 64)
	}
	w.Header().Set(headerChecksum, checksum)
	w.Header().Set("Content-Type", contentTypeJar)
	w.Write(body)
}

func (s *jnlpServer) writeDiff(w http.ResponseWriter, old, newer []byte) {
	var diff bytes.Buffer
	if err := jardiff.Create(zipReader(s.t, old), zipReader(s.t, newer), &diff); err != nil {
		s.t.Errorf("create diff: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var merged bytes.Buffer
	if err := jardiff.Merge(zipReader(s.t, old), zipReader(s.t, diff.Bytes()), &merged); err != nil {
		s.t.Errorf("merge diff: %v", err)
	}
	sum := sha256.Sum256(merged.Bytes())
	checksum := hex.EncodeToString(sum[:])
	if s.corruptDiff {
		checksum = strings.Repeat("f", 64)
	}
	w.Header().Set(headerChecksum, checksum)
	w.Header().Set("Content-Type", contentTypeJarDiff)
	w.Write(diff.Bytes())
}

func buildJar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, _ := zw.Create(name)
		io.WriteString(w, entries[name])
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("build jar: %v", err)
	}
	return buf.Bytes()
}

func zipReader(t *testing.T, data []byte) *zip.Reader {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Errorf("open zip: %v", err)
		return &zip.Reader{}
	}
	return zr
}

func jarEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, f := range zipReader(t, data).File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func newTestTracker(t *testing.T, client *http.Client, mutate func(*Options)) (*Tracker, cache.Store) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), cache.Options{LockTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	opts := Options{
		Store:          store,
		Client:         client,
		Workers:        4,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		TempDir:        t.TempDir(),
		Logger:         logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(opts)
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	return tr, store
}

func resolveOne(t *testing.T, tr *Tracker, req Request) Result {
	t.Helper()
	results := tr.ResolveAll(context.Background(), []Request{req})
	res, ok := results[keyFor(req)]
	if !ok {
		t.Fatalf("缺少 %s 的结果: %v", req.URL, results)
	}
	return res
}
