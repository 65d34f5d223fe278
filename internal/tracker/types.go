package tracker

import (
	"encoding/json"
	"strings"

	"github.com/any-hub/webstart-cache/internal/version"
)

// State 描述资源在一次解析中的阶段。
type State string

const (
	StatePending     State = "PENDING"
	StateResolving   State = "RESOLVING"
	StateCached      State = "CACHED"
	StateDownloading State = "DOWNLOADING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
	StateSkipped     State = "SKIPPED"
)

// Terminal 表示是否为终态。
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateSkipped
}

// Platform 限定资源适用的操作系统与架构，取值为空格分隔的列表，空表示不限。
type Platform struct {
	OS   string `json:"os,omitempty"`
	Arch string `json:"arch,omitempty"`
}

// Matches 判断 goos/goarch 是否满足约束。
func (p Platform) Matches(goos, goarch string) bool {
	return matchesAny(p.OS, goos, osAliases) && matchesAny(p.Arch, goarch, archAliases)
}

var osAliases = map[string][]string{
	"windows": {"windows"},
	"linux":   {"linux"},
	"darwin":  {"mac os x", "mac os", "macos", "darwin", "mac"},
	"freebsd": {"freebsd"},
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64", "x64"},
	"386":   {"386", "x86", "i386", "i686"},
	"arm64": {"arm64", "aarch64"},
	"arm":   {"arm"},
}

func matchesAny(list, actual string, aliases map[string][]string) bool {
	list = strings.TrimSpace(list)
	if list == "" {
		return true
	}
	names, ok := aliases[actual]
	if !ok {
		names = []string{actual}
	}
	for _, item := range strings.Fields(strings.ToLower(list)) {
		for _, name := range names {
			if strings.HasPrefix(item, name) || strings.HasPrefix(name, item) {
				return true
			}
		}
	}
	return false
}

// Request 是一个待解析的资源。
type Request struct {
	URL           string
	VersionString string
	Main          bool
	Platform      Platform
	// Mandatory 资源失败时取消整批解析。
	Mandatory bool
	// ForceRevalidate 即使精确版本已缓存也访问服务器。
	ForceRevalidate bool
}

// requestJSON 是批处理输入的扁平结构。
type requestJSON struct {
	URL       string `json:"url"`
	Version   string `json:"version,omitempty"`
	Main      bool   `json:"main,omitempty"`
	OS        string `json:"os,omitempty"`
	Arch      string `json:"arch,omitempty"`
	Mandatory bool   `json:"mandatory,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// MarshalJSON 输出 {"url","version","main","os","arch","mandatory","force"}。
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestJSON{
		URL:       r.URL,
		Version:   r.VersionString,
		Main:      r.Main,
		OS:        r.Platform.OS,
		Arch:      r.Platform.Arch,
		Mandatory: r.Mandatory,
		Force:     r.ForceRevalidate,
	})
}

// UnmarshalJSON 是 MarshalJSON 的逆操作。
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw requestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Request{
		URL:             raw.URL,
		VersionString:   raw.Version,
		Main:            raw.Main,
		Platform:        Platform{OS: raw.OS, Arch: raw.Arch},
		Mandatory:       raw.Mandatory,
		ForceRevalidate: raw.Force,
	}
	return nil
}

// Key 唯一标识一个资源：规范化 URL 加请求的版本约束原文。
type Key struct {
	URL     string `json:"url"`
	Version string `json:"version,omitempty"`
}

func (k Key) String() string {
	if k.Version == "" {
		return k.URL
	}
	return k.URL + "#" + k.Version
}

// Result 是单个资源的解析结果。
type Result struct {
	Key       Key        `json:"key"`
	State     State      `json:"state"`
	Path      string     `json:"path,omitempty"`
	Version   version.ID `json:"resolved_version"`
	FromCache bool       `json:"from_cache"`
	Err       error      `json:"-"`
}

// MarshalJSON 将错误输出为字符串。
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Event 是推送给订阅者的进度通知，仅供展示，丢失不影响解析。
type Event struct {
	Key   Key   `json:"key"`
	Phase State `json:"phase"`
	Bytes int64 `json:"bytes"`
	Total int64 `json:"total"`
}
