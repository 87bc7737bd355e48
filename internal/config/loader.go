package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	expanded, err := homedir.Expand(cfg.Global.CachePath)
	if err != nil {
		return nil, fmt.Errorf("无法展开缓存目录: %w", err)
	}
	absCache, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CachePath = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CachePath", "~/.cache/zero-fetch")
	v.SetDefault("MountPrefix", "/uri/0install")
	v.SetDefault("Downloader", DownloaderHTTP)
	v.SetDefault("DownloadTries", 3)
	v.SetDefault("DownloadTimeout", "60s")
	v.SetDefault("WgetPath", "wget")
	v.SetDefault("Unpacker", UnpackerNative)
	v.SetDefault("TarPath", "tar")
	v.SetDefault("MaxPathLength", 4096)
	v.SetDefault("RequireSignature", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5080
	}
	g.Downloader = strings.ToLower(strings.TrimSpace(g.Downloader))
	if g.Downloader == "" {
		g.Downloader = DownloaderHTTP
	}
	g.Unpacker = strings.ToLower(strings.TrimSpace(g.Unpacker))
	if g.Unpacker == "" {
		g.Unpacker = UnpackerNative
	}
	if g.DownloadTries == 0 {
		g.DownloadTries = 3
	}
	if g.DownloadTimeout.DurationValue() == 0 {
		g.DownloadTimeout = Duration(60 * time.Second)
	}
	if g.MaxPathLength == 0 {
		g.MaxPathLength = 4096
	}
	if g.WgetPath == "" {
		g.WgetPath = "wget"
	}
	if g.TarPath == "" {
		g.TarPath = "tar"
	}
	g.MountPrefix = strings.TrimSuffix(g.MountPrefix, "/")
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
