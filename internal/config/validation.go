package config

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if strings.TrimSpace(g.CachePath) == "" {
		return newFieldError("Global.CachePath", "不能为空")
	}
	if g.MountPrefix != "" && !strings.HasPrefix(g.MountPrefix, "/") {
		return newFieldError("Global.MountPrefix", "必须是绝对路径")
	}
	switch g.Downloader {
	case DownloaderHTTP, DownloaderWget:
	default:
		return newFieldError("Global.Downloader", "仅支持 http|wget")
	}
	switch g.Unpacker {
	case UnpackerNative, UnpackerTar:
	default:
		return newFieldError("Global.Unpacker", "仅支持 native|tar")
	}
	if g.DownloadTries <= 0 {
		return newFieldError("Global.DownloadTries", "必须大于 0")
	}
	if g.DownloadTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DownloadTimeout", "必须大于 0")
	}
	if g.MaxPathLength < 64 {
		return newFieldError("Global.MaxPathLength", "不能小于 64")
	}

	seen := map[string]struct{}{}
	for _, site := range c.Sites {
		name := strings.ToLower(strings.TrimSpace(site.Name))
		if err := validateSiteName(name); err != nil {
			return newFieldError(siteField(site.Name, "Name"), err.Error())
		}
		if _, exists := seen[name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seen[name] = struct{}{}

		if len(site.TrustedKeys) == 0 {
			return newFieldError(siteField(site.Name, "TrustedKeys"), "至少需要一个指纹")
		}
		for _, key := range site.TrustedKeys {
			if !validFingerprint(NormalizeFingerprint(key)) {
				return newFieldError(siteField(site.Name, "TrustedKeys"), "指纹必须是 40 位十六进制: "+key)
			}
		}
	}

	return nil
}

func validateSiteName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.Contains(name, "/") {
		return errors.New("不允许包含路径")
	}
	if strings.Contains(name, " ") {
		return errors.New("不允许包含空格")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	return nil
}

func validFingerprint(fp string) bool {
	if len(fp) != 40 {
		return false
	}
	_, err := hex.DecodeString(fp)
	return err == nil
}
