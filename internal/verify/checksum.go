// Package verify holds the yes/no verifiers the fetch pipelines consult
// before trusting downloaded bytes: an MD5 file checksum for archives and an
// OpenPGP detached-signature check, against a per-site trust store, for
// site index bundles.
package verify

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChecksumFile 计算 path 的 MD5 并与期望值比较（大小写不敏感）。
// 返回实际值，便于日志输出。
func ChecksumFile(path, expected string) (bool, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return false, "", fmt.Errorf("checksum %s: %w", path, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(actual, strings.TrimSpace(expected)), actual, nil
}
