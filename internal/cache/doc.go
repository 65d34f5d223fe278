// Package cache defines the disk-backed store for downloaded resources. Each
// (URL, version) pair maps to its own directory under the cache root holding
// the artifact, a human-readable ".info" sidecar and a ".lock" file guarded by
// an OS advisory lock. Writes stream into a temp file in the same directory and
// become visible only through an atomic rename on Commit, so readers never see
// a partially written artifact. The tracker depends on this package for
// lookups, version listings and conditional-revalidation metadata.
package cache
