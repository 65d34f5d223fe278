package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述缓存、下载与日志等全局参数。
type GlobalConfig struct {
	LogLevel       string   `mapstructure:"LogLevel"`
	LogFilePath    string   `mapstructure:"LogFilePath"`
	LogMaxSize     int      `mapstructure:"LogMaxSize"`
	LogMaxBackups  int      `mapstructure:"LogMaxBackups"`
	LogCompress    bool     `mapstructure:"LogCompress"`
	CacheDir       string   `mapstructure:"CacheDir"`
	Workers        int      `mapstructure:"Workers"`
	MaxRetries     int      `mapstructure:"MaxRetries"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`
	MaxBackoff     Duration `mapstructure:"MaxBackoff"`
	ConnectTimeout Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout    Duration `mapstructure:"ReadTimeout"`
	LockTimeout    Duration `mapstructure:"LockTimeout"`
	PreferHTTPS    bool     `mapstructure:"PreferHTTPS"`
	ListenAddr     string   `mapstructure:"ListenAddr"`
}

// ProxyConfig 对应 [Proxy] 表，决定下载请求经由哪些代理发出。
type ProxyConfig struct {
	Mode               string   `mapstructure:"Mode"`
	HTTPHost           string   `mapstructure:"HTTPHost"`
	HTTPPort           int      `mapstructure:"HTTPPort"`
	HTTPSHost          string   `mapstructure:"HTTPSHost"`
	HTTPSPort          int      `mapstructure:"HTTPSPort"`
	FTPHost            string   `mapstructure:"FTPHost"`
	FTPPort            int      `mapstructure:"FTPPort"`
	SOCKSHost          string   `mapstructure:"SOCKSHost"`
	SOCKSPort          int      `mapstructure:"SOCKSPort"`
	SameProxy          bool     `mapstructure:"SameProxy"`
	BypassLocal        bool     `mapstructure:"BypassLocal"`
	Bypass             []string `mapstructure:"Bypass"`
	AutoConfigURL      string   `mapstructure:"AutoConfigURL"`
	ScriptTimeout      Duration `mapstructure:"ScriptTimeout"`
	ScriptCacheTTL     Duration `mapstructure:"ScriptCacheTTL"`
	ScriptCacheEnabled bool     `mapstructure:"ScriptCacheEnabled"`
	// FirefoxProfile 可以是 profile 目录或 prefs.js 路径，留空时读取 profiles.ini。
	FirefoxProfile string `mapstructure:"FirefoxProfile"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Proxy  ProxyConfig  `mapstructure:"Proxy"`

	// Path 记录实际加载的文件，未找到默认配置文件时为空。
	Path string `mapstructure:"-"`
}
