package buildinfo

import "fmt"

// Version/Commit 在构建时通过 -ldflags 注入，未注入时使用开发占位值。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// UserAgent 是所有出站请求携带的 User-Agent。
func UserAgent() string {
	return fmt.Sprintf("webstart-cache/%s", Version)
}

// Full 返回 CLI version 子命令打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("webstart-cache %s (%s)", Version, Commit)
}
