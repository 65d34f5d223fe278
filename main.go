package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

// cli 是 kong 解析的命令行结构。--config 未指定时读取 WEBSTART_CACHE_CONFIG，再回退到 ./config.toml。
type cli struct {
	Config string `short:"c" env:"WEBSTART_CACHE_CONFIG" placeholder:"PATH" help:"配置文件路径（默认 ./config.toml）"`

	Resolve     resolveCmd     `cmd:"" help:"解析资源并写入缓存"`
	Serve       serveCmd       `cmd:"" help:"启动管理 HTTP 服务"`
	Cache       cacheCmd       `cmd:"" help:"查看或清空本地缓存"`
	CheckConfig checkConfigCmd `cmd:"" name:"check-config" help:"仅校验配置后退出"`
	Version     versionCmd     `cmd:"" help:"显示版本信息"`
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// exitCodeError 允许子命令指定非 1 的退出码。
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 解析参数并执行子命令，返回退出码，方便测试。
func run(args []string) int {
	opts, kctx, err := parseCLI(args)
	if err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}

	if err := kctx.Run(&appContext{configPath: opts.Config}); err != nil {
		var coded exitCodeError
		if errors.As(err, &coded) {
			if coded.err != nil {
				fmt.Fprintln(stdErr, coded.err.Error())
			}
			return coded.code
		}
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

// parseCLI 解析 CLI 参数，flag 优先于环境变量。
func parseCLI(args []string) (*cli, *kong.Context, error) {
	var opts cli
	parser, err := kong.New(&opts,
		kong.Name("webstart-cache"),
		kong.Description("JNLP/WebStart 资源解析与缓存工具"),
		kong.Writers(stdOut, stdErr),
		kong.UsageOnError(),
	)
	if err != nil {
		return nil, nil, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return nil, nil, err
	}
	return &opts, kctx, nil
}
