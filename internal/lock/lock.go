package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrTimeout 表示在给定时间内未能取得锁。
	ErrTimeout = errors.New("lock: timed out waiting for file lock")
	// ErrHeld 表示同一个 FileLock 已持有锁，不支持重入。
	ErrHeld = errors.New("lock: already held by this handle")

	errWouldBlock = errors.New("lock: would block")
)

const (
	minPoll = 5 * time.Millisecond
	maxPoll = 100 * time.Millisecond
)

// FileLock 对单个锁文件加咨询锁。零值不可用，请使用 New。
type FileLock struct {
	path       string
	persistent bool

	mu        sync.Mutex
	file      *os.File
	acquiring bool
}

// New 为 path 构造锁。若锁文件无法创建（只读目录等），返回的锁退化为 no-op。
func New(path string) *FileLock {
	return &FileLock{path: path, persistent: probe(path)}
}

func probe(path string) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Path 返回锁文件路径。
func (l *FileLock) Path() string {
	return l.path
}

// Persistent 表示锁是否真正落在磁盘上；false 时 Lock/Unlock 均为 no-op。
func (l *FileLock) Persistent() bool {
	return l.persistent
}

// Lock 获取排他锁，timeout<=0 时只尝试一次。
func (l *FileLock) Lock(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout, true)
}

// RLock 获取共享锁，多个进程可同时持有。
func (l *FileLock) RLock(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout, false)
}

// TryLock 非阻塞地尝试获取排他锁，被占用时返回 false。
func (l *FileLock) TryLock() (bool, error) {
	err := l.acquire(context.Background(), 0, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}

func (l *FileLock) acquire(ctx context.Context, timeout time.Duration, exclusive bool) error {
	if !l.persistent {
		return nil
	}

	// 轮询期间不持有 mu，Unlock 等调用不会被阻塞
	l.mu.Lock()
	if l.file != nil || l.acquiring {
		l.mu.Unlock()
		return ErrHeld
	}
	l.acquiring = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.acquiring = false
		l.mu.Unlock()
	}()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("lock: open %s: %w", l.path, err)
	}

	deadline := time.Now().Add(timeout)
	wait := minPoll
	for {
		err := lockFile(f, exclusive)
		if err == nil {
			l.mu.Lock()
			l.file = f
			l.mu.Unlock()
			return nil
		}
		if !errors.Is(err, errWouldBlock) {
			_ = f.Close()
			return fmt.Errorf("lock: %s: %w", l.path, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = f.Close()
			return fmt.Errorf("%w: %s", ErrTimeout, l.path)
		}
		timer := time.NewTimer(min(wait, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = f.Close()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, maxPoll)
	}
}

// Unlock 释放锁；未持有、重复调用或仍在等待时直接返回 nil。
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("lock: unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}
