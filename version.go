package main

import (
	"fmt"

	"github.com/any-hub/webstart-cache/internal/buildinfo"
)

type versionCmd struct{}

// Run 输出注入的版本 + 提交信息。
func (versionCmd) Run() error {
	fmt.Fprintln(stdOut, buildinfo.Full())
	return nil
}
