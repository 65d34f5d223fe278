package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/jardiff"
	"github.com/any-hub/webstart-cache/internal/logging"
	"github.com/any-hub/webstart-cache/internal/metrics"
	"github.com/any-hub/webstart-cache/internal/version"
)

const copyBufferSize = 32 * 1024

// revalidation 是 HEAD 请求的结论。
type revalidation struct {
	// fresh 非空时直接使用该缓存条目。
	fresh *cache.Entry
	// target 为服务器报告的版本，known 为 false 时未知。
	target version.ID
	known  bool
	meta   cache.Metadata
}

func failed(err error) Result {
	return Result{State: StateFailed, Err: err}
}

func (t *Tracker) resolve(ctx context.Context, key Key, req Request) Result {
	if !req.Platform.Matches(t.goos, t.goarch) {
		return Result{State: StateSkipped}
	}
	t.phase(key, StateResolving, 0, 0)

	target, err := url.Parse(key.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return failed(fmt.Errorf("%w: %q", ErrUnsupportedURL, req.URL))
	}
	vs, err := parseVersionString(req.VersionString)
	if err != nil {
		return failed(&VersionResolutionError{URL: key.URL, Requested: req.VersionString, Err: err})
	}

	current := t.cachedCandidate(ctx, key, vs)
	if current != nil && !req.ForceRevalidate && !needsNetwork(vs, current) {
		return t.done(ctx, key, current, true)
	}

	var lastErr error
	// 只有所有候选地址都报告 404/410 时才删除缓存条目
	gone := current != nil
	for _, candidate := range t.candidateURLs(target) {
		entry, fromCache, err := t.resolveFrom(ctx, key, candidate, vs, current)
		if err == nil {
			return t.done(ctx, key, entry, fromCache)
		}
		lastErr = err
		var netErr *NetworkError
		if !errors.As(err, &netErr) || ctx.Err() != nil {
			gone = false
			break
		}
		gone = gone && netErr.Missing()
	}
	if gone {
		t.dropEntry(ctx, key, current)
	}
	return failed(lastErr)
}

// dropEntry 删除服务器已不再提供的缓存条目。
func (t *Tracker) dropEntry(ctx context.Context, key Key, entry *cache.Entry) {
	fields := logging.ResourceFields(key.URL, entry.Version.String(), string(StateFailed))
	fields["action"] = "cache_remove"
	if err := t.store.Remove(ctx, entry.Locator()); err != nil && !errors.Is(err, cache.ErrNotFound) {
		fields["error"] = err.Error()
		t.logger.WithFields(fields).Warn("cache_remove_failed")
		return
	}
	t.logger.WithFields(fields).Info("cache_entry_removed")
}

// needsNetwork 判断已缓存条目是否仍需访问服务器。
func needsNetwork(vs version.String, current *cache.Entry) bool {
	switch {
	case vs.IsZero():
		return true
	case vs.IsExact():
		return false
	default:
		return vs.ContainsGreaterThan(current.Version)
	}
}

func (t *Tracker) done(ctx context.Context, key Key, entry *cache.Entry, fromCache bool) Result {
	if fromCache {
		t.phase(key, StateCached, entry.SizeBytes, entry.SizeBytes)
	}
	if err := t.keystore.Verify(ctx, key, entry.FilePath); err != nil {
		return failed(err)
	}
	return Result{State: StateDone, Path: entry.FilePath, Version: entry.Version, FromCache: fromCache}
}

// cachedCandidate 返回满足约束的最新缓存条目，读取失败按未命中处理。
func (t *Tracker) cachedCandidate(ctx context.Context, key Key, vs version.String) *cache.Entry {
	if vs.IsZero() || vs.IsExact() {
		id, _ := vs.Exact()
		entry, err := t.store.Lookup(ctx, cache.Locator{URL: key.URL, Version: id})
		if err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				t.cacheWarn(key, "lookup", err)
			}
			return nil
		}
		return entry
	}

	entries, err := t.store.Versions(ctx, key.URL)
	if err != nil {
		t.cacheWarn(key, "versions", err)
		return nil
	}
	for i := range entries {
		if vs.Contains(entries[i].Version) {
			return &entries[i]
		}
	}
	return nil
}

func (t *Tracker) cacheWarn(key Key, op string, err error) {
	fields := logging.ResourceFields(key.URL, key.Version, string(StateResolving))
	fields["action"] = "cache_" + op
	fields["error"] = err.Error()
	t.logger.WithFields(fields).Warn("cache_read_failed")
}

func (t *Tracker) resolveFrom(ctx context.Context, key Key, u *url.URL, vs version.String, current *cache.Entry) (*cache.Entry, bool, error) {
	if current != nil {
		rv, err := t.revalidate(ctx, key, u, vs, current)
		if err != nil {
			var netErr *NetworkError
			if errors.As(err, &netErr) && netErr.Temporary() && ctx.Err() == nil {
				fields := logging.ResourceFields(key.URL, key.Version, string(StateCached))
				fields["action"] = "revalidate"
				fields["error"] = err.Error()
				t.logger.WithFields(fields).Warn("revalidate_failed_using_cache")
				return current, true, nil
			}
			return nil, false, err
		}
		if rv.fresh != nil {
			return rv.fresh, true, nil
		}
		if rv.known && !rv.target.IsZero() && !current.Version.IsZero() && !rv.target.Equal(current.Version) {
			entry, err := t.patch(ctx, key, u, rv, current)
			if err == nil {
				return entry, false, nil
			}
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			t.metrics.Patch(metrics.PatchFallback)
			fields := logging.ResourceFields(key.URL, key.Version, string(StateDownloading))
			fields["action"] = "patch"
			fields["error"] = err.Error()
			t.logger.WithFields(fields).Info("patch_fallback_full_download")
		}
	}

	entry, err := t.download(ctx, key, u, vs)
	return entry, false, err
}

// revalidate 发送带条件头的 HEAD 请求。
func (t *Tracker) revalidate(ctx context.Context, key Key, u *url.URL, vs version.String, current *cache.Entry) (revalidation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, versionedURL(u, vs, version.ID{}), nil)
	if err != nil {
		return revalidation{}, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if current.ETag != "" {
		req.Header.Set("If-None-Match", current.ETag)
	}
	if !current.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", current.LastModified.UTC().Format(http.TimeFormat))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return revalidation{}, &NetworkError{URL: key.URL, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	meta := metadataFrom(resp.Header)
	switch resp.StatusCode {
	case http.StatusNotModified:
		entry, err := t.store.Touch(ctx, current.Locator(), meta)
		if err != nil {
			return revalidation{}, err
		}
		return revalidation{fresh: entry}, nil
	case http.StatusOK:
		target, known, err := reportedVersion(resp.Header, key, vs)
		if err != nil {
			return revalidation{}, err
		}
		if !known {
			return revalidation{meta: meta}, nil
		}
		if target.Equal(current.Version) {
			if !unchanged(resp, current) {
				return revalidation{target: target, known: true, meta: meta}, nil
			}
			entry, err := t.store.Touch(ctx, current.Locator(), meta)
			if err != nil {
				return revalidation{}, err
			}
			return revalidation{fresh: entry}, nil
		}
		if other, err := t.store.Lookup(ctx, cache.Locator{URL: key.URL, Version: target}); err == nil {
			entry, err := t.store.Touch(ctx, other.Locator(), cache.Metadata{})
			if err != nil {
				return revalidation{}, err
			}
			return revalidation{fresh: entry}, nil
		}
		return revalidation{target: target, known: true, meta: meta}, nil
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return revalidation{}, nil
	default:
		return revalidation{}, &NetworkError{URL: key.URL, Status: resp.StatusCode}
	}
}

// unchanged 比较 ETag，缺失时比较 Last-Modified（允许 1 秒误差）。
func unchanged(resp *http.Response, current *cache.Entry) bool {
	remoteTag := normalizeETag(resp.Header.Get("ETag"))
	if remoteTag != "" && current.ETag != "" {
		return remoteTag == normalizeETag(current.ETag)
	}
	if last := resp.Header.Get("Last-Modified"); last != "" && !current.LastModified.IsZero() {
		remote, err := http.ParseTime(last)
		if err != nil {
			return false
		}
		return !remote.After(current.LastModified.Add(time.Second))
	}
	return false
}

func normalizeETag(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, "\"")
}

// reportedVersion 读取服务器声明的版本。未带版本约束的资源忽略该头。
func reportedVersion(header http.Header, key Key, vs version.String) (version.ID, bool, error) {
	if vs.IsZero() {
		return version.ID{}, true, nil
	}
	raw := strings.TrimSpace(header.Get(headerVersionID))
	if raw == "" {
		if id, ok := vs.Exact(); ok {
			return id, true, nil
		}
		return version.ID{}, false, nil
	}
	id, err := version.ParseID(raw)
	if err != nil {
		return version.ID{}, false, &VersionResolutionError{URL: key.URL, Requested: vs.String(), Offered: raw, Err: err}
	}
	if !vs.Contains(id) {
		return version.ID{}, false, &VersionResolutionError{URL: key.URL, Requested: vs.String(), Offered: raw}
	}
	return id, true, nil
}

func metadataFrom(header http.Header) cache.Metadata {
	meta := cache.Metadata{
		ContentType: header.Get("Content-Type"),
		ETag:        header.Get("ETag"),
	}
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			meta.LastModified = parsed.UTC()
		}
	}
	return meta
}

// download 完整下载，I/O 与完整性错误按指数退避重试，每次重试都重新请求。
func (t *Tracker) download(ctx context.Context, key Key, u *url.URL, vs version.String) (*cache.Entry, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initialBackoff
	policy.MaxInterval = t.maxBackoff
	policy.MaxElapsedTime = 0

	var entry *cache.Entry
	op := func() error {
		e, err := t.fetchOnce(ctx, key, u, vs)
		if err == nil {
			entry = e
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, cache.ErrLockTimeout) || !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		t.metrics.Retry()
		fields := logging.ResourceFields(key.URL, key.Version, string(StateDownloading))
		fields["action"] = "download_retry"
		fields["error"] = err.Error()
		fields["wait_ms"] = wait.Milliseconds()
		t.logger.WithFields(fields).Warn("download_retry")
	}

	retries := uint64(t.maxRetries - 1)
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx), notify)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (t *Tracker) fetchOnce(ctx context.Context, key Key, u *url.URL, vs version.String) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionedURL(u, vs, version.ID{}), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: key.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{URL: key.URL, Status: resp.StatusCode}
	}

	target, known, err := reportedVersion(resp.Header, key, vs)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &VersionResolutionError{URL: key.URL, Requested: vs.String()}
	}
	return t.storeBody(ctx, key, cache.Locator{URL: key.URL, Version: target}, resp, metadataFrom(resp.Header))
}

// storeBody 将响应体写入缓存并校验长度与校验和，任何失败都会放弃临时文件。
func (t *Tracker) storeBody(ctx context.Context, key Key, locator cache.Locator, resp *http.Response, meta cache.Metadata) (*cache.Entry, error) {
	handle, err := t.store.BeginWrite(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer handle.Abort()

	total := resp.ContentLength
	t.phase(key, StateDownloading, 0, total)
	n, err := t.copyBody(ctx, key, handle, resp.Body, total)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{URL: key.URL, Err: err}
	}
	if total >= 0 && n != total {
		return nil, &IntegrityError{
			URL:      key.URL,
			Reason:   "content length mismatch",
			Expected: strconv.FormatInt(total, 10),
			Actual:   strconv.FormatInt(n, 10),
		}
	}
	if want := strings.TrimSpace(resp.Header.Get(headerChecksum)); want != "" {
		if got := handle.Sum(); !strings.EqualFold(want, got) {
			return nil, &IntegrityError{URL: key.URL, Reason: "checksum mismatch", Expected: want, Actual: got}
		}
	}

	entry, err := handle.Commit(meta)
	if err != nil {
		return nil, err
	}
	t.metrics.AddDownloadBytes(n)
	return entry, nil
}

// copyBody 按块复制，每块之间检查取消并发布进度。
func (t *Tracker) copyBody(ctx context.Context, key Key, dst io.Writer, src io.Reader, total int64) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			t.publish(Event{Key: key, Phase: StateDownloading, Bytes: written, Total: total})
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// patch 请求从 current 到 rv.target 的增量补丁并在本地合并。
// 服务器不提供补丁而直接返回完整 JAR 时按完整下载处理。
func (t *Tracker) patch(ctx context.Context, key Key, u *url.URL, rv revalidation, current *cache.Entry) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionedURL(u, exactString(rv.target), current.Version), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJarDiff+", "+contentTypeJar)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: key.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{URL: key.URL, Status: resp.StatusCode}
	}

	locator := cache.Locator{URL: key.URL, Version: rv.target}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != contentTypeJarDiff {
		return t.storeBody(ctx, key, locator, resp, metadataFrom(resp.Header))
	}

	entry, err := t.applyPatch(ctx, key, locator, resp, rv, current)
	if err != nil {
		var integrityErr *IntegrityError
		if errors.As(err, &integrityErr) {
			t.metrics.Patch(metrics.PatchRejected)
		}
		return nil, err
	}
	t.metrics.Patch(metrics.PatchApplied)
	t.logger.WithFields(logrus.Fields{
		"action": "patch",
		"url":    key.URL,
		"from":   current.Version.String(),
		"to":     rv.target.String(),
	}).Debug("patch_applied")
	return entry, nil
}

func (t *Tracker) applyPatch(ctx context.Context, key Key, locator cache.Locator, resp *http.Response, rv revalidation, current *cache.Entry) (*cache.Entry, error) {
	diffFile, err := os.CreateTemp(t.tempDir, "webstart-*.jardiff")
	if err != nil {
		return nil, fmt.Errorf("tracker: patch temp file: %w", err)
	}
	defer os.Remove(diffFile.Name())
	defer diffFile.Close()

	t.phase(key, StateDownloading, 0, resp.ContentLength)
	diffSize, err := t.copyBody(ctx, key, diffFile, resp.Body, resp.ContentLength)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{URL: key.URL, Err: err}
	}

	merged, err := os.CreateTemp(t.tempDir, "webstart-*.jar")
	if err != nil {
		return nil, fmt.Errorf("tracker: patch temp file: %w", err)
	}
	defer os.Remove(merged.Name())
	defer merged.Close()

	hasher := sha256.New()
	if err := jardiff.MergeFiles(current.FilePath, diffFile.Name(), io.MultiWriter(merged, hasher)); err != nil {
		return nil, &IntegrityError{URL: key.URL, Reason: "patch merge failed: " + err.Error()}
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if want := strings.TrimSpace(resp.Header.Get(headerChecksum)); want != "" {
		if !strings.EqualFold(want, sum) {
			return nil, &IntegrityError{URL: key.URL, Reason: "patched checksum mismatch", Expected: want, Actual: sum}
		}
	} else if err := jardiff.Verify(merged.Name()); err != nil {
		return nil, &IntegrityError{URL: key.URL, Reason: "patched archive is not a valid jar: " + err.Error()}
	}

	if _, err := merged.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	handle, err := t.store.BeginWrite(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer handle.Abort()
	if _, err := io.Copy(handle, merged); err != nil {
		return nil, fmt.Errorf("tracker: write patched jar: %w", err)
	}

	meta := rv.meta
	if meta.ContentType == "" || strings.HasPrefix(meta.ContentType, contentTypeJarDiff) {
		meta.ContentType = contentTypeJar
	}
	entry, err := handle.Commit(meta)
	if err != nil {
		return nil, err
	}
	t.metrics.AddDownloadBytes(diffSize)
	return entry, nil
}
