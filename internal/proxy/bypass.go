package proxy

import (
	"net/netip"
	"strconv"
	"strings"
)

// IsInRange 判断 ip 是否落在 cidr 内。cidr 支持省略尾部八位组的写法，
// 例如 "169.254/16" 等价于 "169.254.0.0/16"；不带掩码时按给出的八位组数推断。
func IsInRange(cidr, ip string) bool {
	prefix, ok := parseLoosePrefix(cidr)
	if !ok {
		return false
	}
	addr, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(ip), "[]"))
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}

func parseLoosePrefix(raw string) (netip.Prefix, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Prefix{}, false
	}
	if p, err := netip.ParsePrefix(raw); err == nil {
		return p.Masked(), true
	}

	addrPart, bitsPart, hasBits := strings.Cut(raw, "/")
	if strings.Contains(addrPart, ":") {
		return netip.Prefix{}, false
	}
	octets := strings.Split(strings.TrimSuffix(addrPart, "."), ".")
	if len(octets) == 0 || len(octets) > 4 {
		return netip.Prefix{}, false
	}
	given := len(octets)
	for len(octets) < 4 {
		octets = append(octets, "0")
	}
	full := strings.Join(octets, ".")
	if !hasBits {
		bitsPart = strconv.Itoa(given * 8)
	}
	p, err := netip.ParsePrefix(full + "/" + bitsPart)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p.Masked(), true
}

// Bypass 判断主机是否应绕过代理直连。
type Bypass struct {
	local    bool
	patterns []string
}

// NewBypass 构造绕过规则。支持：精确主机名、"*.corp" / ".corp" 后缀、
// 含 '*'/'?' 的通配、CIDR（"10.0.0.0/8"、"169.254/16"）以及 "<local>"（无点主机名）。
func NewBypass(patterns []string, bypassLocal bool) Bypass {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return Bypass{local: bypassLocal, patterns: cleaned}
}

// Match 返回 host 是否命中绕过规则。
func (b Bypass) Match(host string) bool {
	host = strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]"))
	if host == "" {
		return false
	}
	if b.local && isLocalhostOrLoopback(host) {
		return true
	}
	for _, p := range b.patterns {
		if matchBypassPattern(p, host) {
			return true
		}
	}
	return false
}

func matchBypassPattern(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == "<local>":
		return !strings.Contains(host, ".") && !strings.Contains(host, ":")
	case strings.Contains(pattern, "/"):
		return IsInRange(pattern, host)
	case strings.HasPrefix(pattern, "*.") && !strings.ContainsAny(pattern[2:], "*?"):
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasPrefix(pattern, "."):
		return strings.HasSuffix(host, pattern)
	case strings.ContainsAny(pattern, "*?"):
		return shExpMatch(host, pattern)
	default:
		return host == pattern
	}
}

func isLocalhostOrLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Unmap().IsLoopback()
}
