package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/any-hub/webstart-cache/internal/lock"
)

// NewStore 以 basePath 为根目录构建磁盘缓存。根目录不可写时返回只读 Store：
// Lookup 仍可读取已有条目，写入返回 ErrNotPersistent。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	s := &fileStore{
		basePath:    abs,
		lockTimeout: timeout,
		locks:       make(map[string]*entryLock),
		now:         time.Now,
	}

	s.instance = lock.New(filepath.Join(abs, instanceLockName))
	s.persistent = s.instance.Persistent()
	if s.persistent {
		if err := s.instance.RLock(context.Background(), timeout); err != nil {
			return nil, fmt.Errorf("acquire instance lock: %w", err)
		}
	}
	return s, nil
}

// fileStore 通过 entryLock 避免同一条目在进程内并发写入，再以文件锁协调多进程。
type fileStore struct {
	basePath    string
	lockTimeout time.Duration
	persistent  bool
	instance    *lock.FileLock
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	sem  chan struct{}
	refs int
}

func (s *fileStore) Persistent() bool {
	return s.persistent
}

func (s *fileStore) Lookup(ctx context.Context, locator Locator) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, err := resolveLayout(s.basePath, locator.URL)
	if err != nil {
		return nil, err
	}
	return loadEntry(filepath.Join(l.entryDir(locator.Version), l.name))
}

// loadEntry 读取 sidecar 并确认正文存在且长度一致。
func loadEntry(artifact string) (*Entry, error) {
	entry, err := readSidecar(artifact)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(artifact)
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() || info.Size() != entry.SizeBytes {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *fileStore) Versions(ctx context.Context, rawURL string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, err := resolveLayout(s.basePath, rawURL)
	if err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(l.resourceDir)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		entry, err := loadEntry(filepath.Join(l.resourceDir, d.Name(), l.name))
		if err != nil {
			continue
		}
		entries = append(entries, *entry)
	}
	sortNewestFirst(entries)
	return entries, nil
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Version, entries[j].Version
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return b.Less(a)
		}
	})
}

func (s *fileStore) BeginWrite(ctx context.Context, locator Locator) (*WriteHandle, error) {
	if !s.persistent {
		return nil, ErrNotPersistent
	}

	dir, artifact, release, err := s.lockEntry(ctx, locator)
	if err != nil {
		return nil, err
	}

	tempName := filepath.Join(dir, "."+filepath.Base(artifact)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tempName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("cache: create temp file: %w", err), release()).ErrorOrNil()
	}
	return newWriteHandle(locator, artifact, f, release), nil
}

func (s *fileStore) Touch(ctx context.Context, locator Locator, meta Metadata) (*Entry, error) {
	if !s.persistent {
		return nil, ErrNotPersistent
	}

	_, artifact, release, err := s.lockEntry(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := loadEntry(artifact)
	if err != nil {
		return nil, err
	}
	if meta.ETag != "" {
		entry.ETag = meta.ETag
	}
	if !meta.LastModified.IsZero() {
		entry.LastModified = meta.LastModified
	}
	if meta.ContentType != "" {
		entry.ContentType = meta.ContentType
	}
	entry.LastValidated = meta.LastValidated
	if entry.LastValidated.IsZero() {
		entry.LastValidated = s.now().UTC()
	}
	if err := writeSidecar(entry); err != nil {
		return nil, fmt.Errorf("cache: touch: %w", err)
	}
	return entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	if !s.persistent {
		return ErrNotPersistent
	}

	_, artifact, release, err := s.lockEntry(ctx, locator)
	if err != nil {
		return err
	}
	defer release()

	var result *multierror.Error
	for _, p := range []string{infoPath(artifact), artifact} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if isMissing(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), infoSuffix) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		entry, err := loadEntry(strings.TrimSuffix(p, infoSuffix))
		if err != nil {
			return nil
		}
		entries = append(entries, *entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })
	return entries, nil
}

// Clear 先释放自身的共享实例锁并尝试升级为排他锁；若失败说明还有其它实例在运行。
func (s *fileStore) Clear(ctx context.Context) (err error) {
	if !s.persistent {
		return ErrNotPersistent
	}

	if err := s.instance.Unlock(); err != nil {
		return err
	}
	defer func() {
		if relockErr := s.instance.RLock(context.Background(), s.lockTimeout); relockErr != nil {
			err = multierror.Append(err, relockErr).ErrorOrNil()
		}
	}()

	exclusive := lock.New(s.instance.Path())
	ok, err := exclusive.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrCacheInUse
	}
	defer exclusive.Unlock()

	children, err := os.ReadDir(s.basePath)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, child := range children {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return multierror.Append(result, ctxErr).ErrorOrNil()
		}
		if child.Name() == instanceLockName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.basePath, child.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *fileStore) Close() error {
	return s.instance.Unlock()
}

// lockEntry 依次获取进程内信号量与目录下的 .lock 文件锁，返回的 release 释放两者。
func (s *fileStore) lockEntry(ctx context.Context, locator Locator) (dir, artifact string, release func() error, err error) {
	l, err := resolveLayout(s.basePath, locator.URL)
	if err != nil {
		return "", "", nil, err
	}
	dir = l.entryDir(locator.Version)
	artifact = filepath.Join(dir, l.name)

	deadline := time.Now().Add(s.lockTimeout)
	unlockMem, err := s.acquireMem(ctx, dir, deadline)
	if err != nil {
		return "", "", nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		unlockMem()
		return "", "", nil, fmt.Errorf("cache: create entry dir: %w", err)
	}

	fl := lock.New(filepath.Join(dir, entryLockName))
	if err := fl.Lock(ctx, time.Until(deadline)); err != nil {
		unlockMem()
		if errors.Is(err, lock.ErrTimeout) {
			return "", "", nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		return "", "", nil, err
	}

	var once sync.Once
	release = func() error {
		var unlockErr error
		once.Do(func() {
			unlockErr = fl.Unlock()
			unlockMem()
		})
		return unlockErr
	}
	return dir, artifact, release, nil
}

func (s *fileStore) acquireMem(ctx context.Context, key string, deadline time.Time) (func(), error) {
	s.mu.Lock()
	el := s.locks[key]
	if el == nil {
		el = &entryLock{sem: make(chan struct{}, 1)}
		s.locks[key] = el
	}
	el.refs++
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case el.sem <- struct{}{}:
		return func() {
			<-el.sem
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-timer.C:
		drop()
		return nil, ErrLockTimeout
	}
}
