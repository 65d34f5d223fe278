package proxy

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// pacEnv 提供 PAC 标准辅助函数的 Go 实现。DNS 与时钟可替换，便于测试。
type pacEnv struct {
	lookupHost func(ctx context.Context, host string) ([]string, error)
	localAddrs func() ([]net.Addr, error)
	now        func() time.Time
	dnsTimeout time.Duration
}

func newPACEnv() *pacEnv {
	return &pacEnv{
		lookupHost: net.DefaultResolver.LookupHost,
		localAddrs: net.InterfaceAddrs,
		now:        time.Now,
		dnsTimeout: 2 * time.Second,
	}
}

func isPlainHostName(host string) bool {
	return !strings.Contains(host, ".")
}

func dnsDomainIs(host, domain string) bool {
	return strings.HasSuffix(strings.ToLower(host), strings.ToLower(domain))
}

func localHostOrDomainIs(host, hostdom string) bool {
	host, hostdom = strings.ToLower(host), strings.ToLower(hostdom)
	if host == hostdom {
		return true
	}
	return !strings.Contains(host, ".") && strings.HasPrefix(hostdom, host+".")
}

func dnsDomainLevels(host string) int {
	return strings.Count(host, ".")
}

// shExpMatch 实现 shell 风格通配：'*' 匹配任意串（含 '/'），'?' 匹配单个字符。
func shExpMatch(str, shexp string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range shexp {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(str)
}

// dnsResolve 返回第一个 IPv4 地址，无法解析时返回空串。
func (e *pacEnv) dnsResolve(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.dnsTimeout)
	defer cancel()
	addrs, err := e.lookupHost(ctx, host)
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

func (e *pacEnv) isResolvable(host string) bool {
	return e.dnsResolve(host) != ""
}

// isInNet 判断 host（或其解析结果）是否在 pattern/mask 描述的网段内。
func (e *pacEnv) isInNet(host, pattern, mask string) bool {
	ip := net.ParseIP(e.dnsResolve(host))
	base := net.ParseIP(pattern)
	m := net.ParseIP(mask)
	if ip == nil || base == nil || m == nil {
		return false
	}
	ip4, base4, m4 := ip.To4(), base.To4(), m.To4()
	if ip4 == nil || base4 == nil || m4 == nil {
		return false
	}
	for i := 0; i < net.IPv4len; i++ {
		if ip4[i]&m4[i] != base4[i]&m4[i] {
			return false
		}
	}
	return true
}

func (e *pacEnv) myIPAddress() string {
	addrs, err := e.localAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

var (
	weekdays = []string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}
	months   = []string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}
)

func indexOf(list []string, v string) int {
	v = strings.ToUpper(v)
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

// splitGMT 去掉末尾的 "GMT" 参数并返回对应的当前时间。
func (e *pacEnv) splitGMT(args []string) ([]string, time.Time) {
	now := e.now()
	if n := len(args); n > 0 && strings.EqualFold(args[n-1], "GMT") {
		return args[:n-1], now.UTC()
	}
	return args, now
}

func (e *pacEnv) weekdayRange(args ...string) bool {
	args, now := e.splitGMT(args)
	if len(args) == 0 {
		return false
	}
	from := indexOf(weekdays, args[0])
	if from < 0 {
		return false
	}
	to := from
	if len(args) > 1 {
		if to = indexOf(weekdays, args[1]); to < 0 {
			return false
		}
	}
	return inCyclicRange(int(now.Weekday()), from, to)
}

func inCyclicRange(v, from, to int) bool {
	if from <= to {
		return v >= from && v <= to
	}
	return v >= from || v <= to
}

// dateRange 支持 day / month / year 的单值与区间形式，以及 "day month"、
// "month year"、"day month year" 成对出现的区间。
func (e *pacEnv) dateRange(args ...string) bool {
	args, now := e.splitGMT(args)
	if len(args) == 0 || len(args) > 6 {
		return false
	}

	type part struct {
		kind  byte // 'd' day, 'm' month, 'y' year
		value int
	}
	parts := make([]part, 0, len(args))
	for _, a := range args {
		if m := indexOf(months, a); m >= 0 {
			parts = append(parts, part{'m', m})
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			return false
		}
		if n > 31 {
			parts = append(parts, part{'y', n})
		} else {
			parts = append(parts, part{'d', n})
		}
	}

	current := func(kind byte) int {
		switch kind {
		case 'd':
			return now.Day()
		case 'm':
			return int(now.Month()) - 1
		default:
			return now.Year()
		}
	}
	// 将同一组的多个字段编码为可比较的整数：year*10000 + month*100 + day
	encode := func(ps []part, useNow bool) int {
		var y, m, d int
		for _, p := range ps {
			v := p.value
			if useNow {
				v = current(p.kind)
			}
			switch p.kind {
			case 'y':
				y = v
			case 'm':
				m = v
			case 'd':
				d = v
			}
		}
		return y*10000 + m*100 + d
	}

	switch len(parts) {
	case 1:
		return current(parts[0].kind) == parts[0].value
	default:
		if len(parts)%2 != 0 {
			return false
		}
		half := len(parts) / 2
		lo, hi := parts[:half], parts[half:]
		for i := range lo {
			if lo[i].kind != hi[i].kind {
				return false
			}
		}
		v := encode(lo, true)
		from, to := encode(lo, false), encode(hi, false)
		if len(lo) == 1 && lo[0].kind != 'y' {
			return inCyclicRange(v, from, to)
		}
		return v >= from && v <= to
	}
}

// timeRange 支持 (hour)、(h1,h2)、(h1,m1,h2,m2)、(h1,m1,s1,h2,m2,s2)；
// 前两种区间不含结束时刻，秒级形式两端都包含。
func (e *pacEnv) timeRange(args ...string) bool {
	args, now := e.splitGMT(args)
	nums := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return false
		}
		nums[i] = n
	}
	sec := now.Hour()*3600 + now.Minute()*60 + now.Second()
	switch len(nums) {
	case 1:
		return now.Hour() == nums[0]
	case 2:
		return inCyclicRange(sec, nums[0]*3600, nums[1]*3600-1)
	case 4:
		return inCyclicRange(sec, nums[0]*3600+nums[1]*60, nums[2]*3600+nums[3]*60-1)
	case 6:
		return inCyclicRange(sec, nums[0]*3600+nums[1]*60+nums[2], nums[3]*3600+nums[4]*60+nums[5])
	default:
		return false
	}
}
