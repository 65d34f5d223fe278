package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath 覆盖默认配置文件路径。
	EnvConfigPath = "WEBSTART_CACHE_CONFIG"
	// DefaultPath 是未指定路径时尝试读取的配置文件。
	DefaultPath = "config.toml"

	envPrefix = "WEBSTART_CACHE"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时依次尝试 WEBSTART_CACHE_CONFIG 与 ./config.toml；
// 默认文件不存在时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		path = DefaultPath
		explicit = false
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	loaded := path
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
		loaded = ""
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), mapstructure.StringToSliceHookFunc(","))
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if loaded != "" {
		if abs, err := filepath.Abs(loaded); err == nil {
			loaded = abs
		}
	}
	cfg.Path = loaded

	applyGlobalDefaults(&cfg.Global)
	applyProxyDefaults(&cfg.Proxy)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(expandHome(cfg.Global.CacheDir))
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", "")
	v.SetDefault("Workers", 4)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("MaxBackoff", "10s")
	v.SetDefault("ConnectTimeout", "30s")
	v.SetDefault("ReadTimeout", "60s")
	v.SetDefault("LockTimeout", "30s")
	v.SetDefault("PreferHTTPS", false)
	v.SetDefault("ListenAddr", "127.0.0.1:5080")

	v.SetDefault("Proxy.Mode", "DIRECT")
	v.SetDefault("Proxy.HTTPHost", "")
	v.SetDefault("Proxy.HTTPPort", 0)
	v.SetDefault("Proxy.HTTPSHost", "")
	v.SetDefault("Proxy.HTTPSPort", 0)
	v.SetDefault("Proxy.FTPHost", "")
	v.SetDefault("Proxy.FTPPort", 0)
	v.SetDefault("Proxy.SOCKSHost", "")
	v.SetDefault("Proxy.SOCKSPort", 0)
	v.SetDefault("Proxy.SameProxy", false)
	v.SetDefault("Proxy.BypassLocal", false)
	v.SetDefault("Proxy.Bypass", []string{})
	v.SetDefault("Proxy.AutoConfigURL", "")
	v.SetDefault("Proxy.ScriptTimeout", "5s")
	v.SetDefault("Proxy.ScriptCacheTTL", "10s")
	v.SetDefault("Proxy.ScriptCacheEnabled", true)
	v.SetDefault("Proxy.FirefoxProfile", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.CacheDir) == "" {
		g.CacheDir = defaultCacheDir()
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if g.MaxBackoff.DurationValue() == 0 {
		g.MaxBackoff = Duration(10 * time.Second)
	}
	if g.ConnectTimeout.DurationValue() == 0 {
		g.ConnectTimeout = Duration(30 * time.Second)
	}
	if g.ReadTimeout.DurationValue() == 0 {
		g.ReadTimeout = Duration(60 * time.Second)
	}
	if g.LockTimeout.DurationValue() == 0 {
		g.LockTimeout = Duration(30 * time.Second)
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
}

func applyProxyDefaults(p *ProxyConfig) {
	p.Mode = strings.ToUpper(strings.TrimSpace(p.Mode))
	if p.Mode == "" {
		p.Mode = "DIRECT"
	}
	if p.ScriptTimeout.DurationValue() == 0 {
		p.ScriptTimeout = Duration(5 * time.Second)
	}
	p.Bypass = splitBypass(p.Bypass)
}

// splitBypass 展开以逗号或分号分隔的条目并去掉空白项。
func splitBypass(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ';' }) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "webstart-cache")
	}
	return "./cache"
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
