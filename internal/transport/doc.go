// Package transport builds the proxy-aware HTTP client used for every
// resource download. Each request asks the proxy engine for its candidate
// routes and tries them in order, falling back to the next route when the
// connection cannot be established. Responses are transparently decoded
// (gzip, deflate, br) and bodies are guarded by a per-read stall deadline.
package transport
