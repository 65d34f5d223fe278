// Package lock wraps OS advisory file locks (flock on unix, LockFileEx on
// windows) behind a small FileLock type with timeouts. Locks are released by
// the kernel when the owning process dies, so a crashed launcher never leaves
// a cache entry wedged. When the lock location is not writable the lock
// degrades to a no-op and reports Persistent() == false.
package lock
