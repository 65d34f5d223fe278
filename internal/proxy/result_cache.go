package proxy

import (
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultResultTTL 是 PAC 结果缓存的默认有效期。
const DefaultResultTTL = 10 * time.Second

// ResultCache 缓存 PAC 求值结果，键为 scheme://host。禁用时所有查询都未命中。
type ResultCache struct {
	enabled bool
	items   *gocache.Cache
}

// NewResultCache 构造结果缓存，ttl<=0 时使用 DefaultResultTTL。
func NewResultCache(ttl time.Duration, enabled bool) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{
		enabled: enabled,
		items:   gocache.New(ttl, 2*ttl),
	}
}

// Enabled 表示缓存是否生效。
func (c *ResultCache) Enabled() bool {
	return c != nil && c.enabled
}

// Get 返回缓存的 PAC 结果文本。
func (c *ResultCache) Get(target *url.URL) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, ok := c.items.Get(resultKey(target))
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Put 写入结果；禁用时忽略。
func (c *ResultCache) Put(target *url.URL, result string) {
	if !c.Enabled() {
		return
	}
	c.items.SetDefault(resultKey(target), result)
}

// Flush 清空缓存。
func (c *ResultCache) Flush() {
	if c != nil {
		c.items.Flush()
	}
}

func resultKey(target *url.URL) string {
	return strings.ToLower(target.Scheme) + "://" + strings.ToLower(target.Host)
}
