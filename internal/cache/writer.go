package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// WriteHandle 持有条目的独占写权限。正文先写入同目录下的临时文件，
// Commit 时原子 rename 为正式文件；Abort 删除临时文件。两者都会释放锁。
type WriteHandle struct {
	locator  Locator
	artifact string
	tempName string
	file     *os.File
	hasher   hash.Hash
	written  int64
	release  func() error
	now      func() time.Time

	mu     sync.Mutex
	closed bool
}

func newWriteHandle(locator Locator, artifact string, file *os.File, release func() error) *WriteHandle {
	return &WriteHandle{
		locator:  locator,
		artifact: artifact,
		tempName: file.Name(),
		file:     file,
		hasher:   sha256.New(),
		release:  release,
		now:      time.Now,
	}
}

// Write 追加正文字节，同时累计长度与 SHA-256。
func (h *WriteHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHandleClosed
	}
	n, err := h.file.Write(p)
	h.written += int64(n)
	h.hasher.Write(p[:n])
	return n, err
}

// Written 返回已写入的字节数。
func (h *WriteHandle) Written() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// Sum 返回已写入内容的十六进制 SHA-256。
func (h *WriteHandle) Sum() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hex.EncodeToString(h.hasher.Sum(nil))
}

// Locator 返回该句柄对应的条目。
func (h *WriteHandle) Locator() Locator {
	return h.locator
}

// Commit 刷盘后 rename 为正式文件并写入 sidecar。content-length 与 sha256
// 以实际写入的字节为准，meta 中的同名字段会被覆盖。
func (h *WriteHandle) Commit(meta Metadata) (*Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	h.closed = true

	err := h.file.Sync()
	if closeErr := h.file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(h.tempName, h.artifact)
	}
	if err != nil {
		os.Remove(h.tempName)
		return nil, multierror.Append(fmt.Errorf("cache: commit: %w", err), h.release()).ErrorOrNil()
	}

	now := h.now().UTC()
	if meta.DownloadedAt.IsZero() {
		meta.DownloadedAt = now
	}
	if meta.LastValidated.IsZero() {
		meta.LastValidated = now
	}
	meta.SHA256 = hex.EncodeToString(h.hasher.Sum(nil))

	entry := &Entry{
		URL:       h.locator.URL,
		Version:   h.locator.Version,
		FilePath:  h.artifact,
		SizeBytes: h.written,
		Metadata:  meta,
	}
	var result *multierror.Error
	if err := writeSidecar(entry); err != nil {
		result = multierror.Append(result, fmt.Errorf("cache: commit sidecar: %w", err))
	}
	if err := h.release(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Abort 放弃写入并释放锁；对已提交或已放弃的句柄调用是 no-op。
func (h *WriteHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var result *multierror.Error
	if err := h.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.Remove(h.tempName); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	if err := h.release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
