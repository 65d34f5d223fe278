// Package tracker resolves batches of versioned remote resources into local
// cache files.
//
// Each resource is served from the cache when its version is exact and
// already present. Otherwise it is revalidated with a conditional HEAD
// request, upgraded through an incremental jar patch when the server offers
// one, or downloaded in full with retry and backoff. Distinct resources run
// on a bounded worker pool; duplicates collapse into one resolution.
package tracker
