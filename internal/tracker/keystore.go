package tracker

import "context"

// PlatformKeystoreAccess 允许宿主在资源落盘后校验签名。
type PlatformKeystoreAccess interface {
	Verify(ctx context.Context, key Key, path string) error
}

// NoopKeystore 不做任何校验。
type NoopKeystore struct{}

// Verify 实现 PlatformKeystoreAccess。
func (NoopKeystore) Verify(context.Context, Key, string) error { return nil }
