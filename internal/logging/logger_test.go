package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/webstart-cache/internal/config"
)

func TestInitLoggerDefaultsToConsole(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"}, nil)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stderr {
		t.Fatalf("未指定文件与 console 时应输出到 stderr")
	}
}

func TestInitLoggerAddsStaticFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "debug"}, &buf)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.WithField("app", "override").Info("first")
	logger.Debug("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	var first, second map[string]interface{}
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)
	if first["app"] != "override" {
		t.Fatalf("调用方字段不应被覆盖: %v", first)
	}
	if second["app"] != "webstart-cache" || second["app_version"] == "" || second["level"] != "debug" {
		t.Fatalf("缺少固定字段: %v", second)
	}
}

func TestInitLoggerFallbackWhenDirUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("创建文件失败: %v", err)
	}

	var console bytes.Buffer
	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocker, "sub", "webstart-cache.log"),
	}
	logger, err := InitLogger(cfg, &console)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != &console {
		t.Fatalf("fallback 时应退回 console")
	}
	if !strings.Contains(console.String(), "logger_fallback") {
		t.Fatalf("fallback 应记录原因: %s", console.String())
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "verbose"}, nil); err == nil {
		t.Fatalf("非法日志级别应返回错误")
	}
}

func TestResourceFields(t *testing.T) {
	fields := ResourceFields("https://apps.example.com/app.jar", "1.0+", "downloading")
	if fields["url"] != "https://apps.example.com/app.jar" || fields["version"] != "1.0+" || fields["phase"] != "downloading" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestInitLoggerCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "webstart-cache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg, nil)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"test"`)) {
		t.Fatalf("日志文件内容不符: %s", data)
	}
}
