// Package proxy decides, per outbound URL, which ordered list of routes
// (direct, HTTP proxy, SOCKS proxy) the transport should try. Five modes are
// supported: direct, manual host/port settings with bypass rules, a proxy
// auto-config (PAC) script, settings detected from the operating system, and
// settings delegated to the user's Firefox profile. Selection never fails: any
// error while resolving a proxy degrades to a direct connection.
package proxy
