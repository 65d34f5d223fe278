package cache

import (
	"context"
	"errors"
	"time"

	"github.com/any-hub/webstart-cache/internal/version"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<root>/<scheme>/<host>/<path...>/<version>/<file>        # 资源正文
//	<root>/<scheme>/<host>/<path...>/<version>/<file>.info   # 元数据（properties 格式）
//	<root>/<scheme>/<host>/<path...>/<version>/.lock         # 跨进程咨询锁
type Store interface {
	// Lookup 返回已提交的条目；不存在或正文长度与元数据不一致时返回 ErrNotFound。
	Lookup(ctx context.Context, locator Locator) (*Entry, error)

	// Versions 列出同一 URL 下所有已提交版本，按版本从新到旧排序。
	Versions(ctx context.Context, rawURL string) ([]Entry, error)

	// BeginWrite 取得条目的独占写权限（进程内互斥 + 文件锁），超时返回 ErrLockTimeout。
	BeginWrite(ctx context.Context, locator Locator) (*WriteHandle, error)

	// Touch 在锁保护下刷新校验信息与 last-validated 时间戳。
	Touch(ctx context.Context, locator Locator, meta Metadata) (*Entry, error)

	// Remove 删除正文与元数据，锁文件保留。
	Remove(ctx context.Context, locator Locator) error

	// List 遍历所有已提交条目。
	List(ctx context.Context) ([]Entry, error)

	// Clear 清空缓存；其它进程仍在使用时返回 ErrCacheInUse。
	Clear(ctx context.Context) error

	// Persistent 表示缓存根目录是否可写。
	Persistent() bool

	// Close 释放实例锁。
	Close() error
}

// Locator 唯一定位一个缓存条目。Version 为零值时表示不带版本的资源。
type Locator struct {
	URL     string
	Version version.ID
}

// Metadata 是 sidecar 文件中记录的校验信息。
type Metadata struct {
	ContentType   string    `json:"content_type,omitempty"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  time.Time `json:"last_modified,omitempty"`
	SHA256        string    `json:"sha256,omitempty"`
	DownloadedAt  time.Time `json:"downloaded_at"`
	LastValidated time.Time `json:"last_validated"`
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及元数据。
type Entry struct {
	URL       string     `json:"url"`
	Version   version.ID `json:"version"`
	FilePath  string     `json:"file_path"`
	SizeBytes int64      `json:"size_bytes"`
	Metadata
}

// Locator 返回定位该条目的 Locator。
func (e Entry) Locator() Locator {
	return Locator{URL: e.URL, Version: e.Version}
}

// Options 控制 Store 的行为。
type Options struct {
	// LockTimeout 是等待条目锁的上限，<=0 时使用默认值。
	LockTimeout time.Duration
}

const defaultLockTimeout = 30 * time.Second

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrLockTimeout 表示等待条目锁超时，调用方可以重试。
	ErrLockTimeout = errors.New("cache: lock timeout")
	// ErrNotPersistent 表示缓存目录只读，无法写入。
	ErrNotPersistent = errors.New("cache: location is not persistent")
	// ErrCacheInUse 表示其它进程仍持有实例锁，拒绝清空。
	ErrCacheInUse = errors.New("cache: in use by another instance")
	// ErrHandleClosed 表示 WriteHandle 已提交或已放弃。
	ErrHandleClosed = errors.New("cache: write handle closed")
)
