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

// 下载与解包后端的可选值。
const (
	DownloaderHTTP = "http"
	DownloaderWget = "wget"

	UnpackerNative = "native"
	UnpackerTar    = "tar"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CachePath       string   `mapstructure:"CachePath"`
	MountPrefix     string   `mapstructure:"MountPrefix"`
	Downloader      string   `mapstructure:"Downloader"`
	DownloadTries   int      `mapstructure:"DownloadTries"`
	DownloadTimeout Duration `mapstructure:"DownloadTimeout"`
	WgetPath        string   `mapstructure:"WgetPath"`
	Unpacker        string   `mapstructure:"Unpacker"`
	TarPath         string   `mapstructure:"TarPath"`
	MaxPathLength   int      `mapstructure:"MaxPathLength"`
	// RequireSignature 为 false 时允许缺少 keyring/签名的旧索引包（会输出告警）。
	RequireSignature bool `mapstructure:"RequireSignature"`
}

// SiteConfig 声明某个站点信任的签名密钥指纹。
type SiteConfig struct {
	Name        string   `mapstructure:"Name"`
	TrustedKeys []string `mapstructure:"TrustedKeys"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// TrustStore 将站点配置展开为 site -> 指纹列表，指纹统一为大写十六进制。
func (c *Config) TrustStore() map[string][]string {
	if c == nil || len(c.Sites) == 0 {
		return map[string][]string{}
	}
	store := make(map[string][]string, len(c.Sites))
	for _, site := range c.Sites {
		name := strings.ToLower(strings.TrimSpace(site.Name))
		for _, key := range site.TrustedKeys {
			store[name] = append(store[name], NormalizeFingerprint(key))
		}
	}
	return store
}

// SiteNames 返回配置中声明的站点名，供日志输出。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%d", site.Name, len(site.TrustedKeys))
	}
	return result
}

// NormalizeFingerprint 去掉空白并转为大写，兼容 gpg 输出的分组格式。
func NormalizeFingerprint(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}
