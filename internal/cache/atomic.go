package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// WriteAtomic 先把 fill 的输出写入 temp，关闭成功后再 rename 到 final。
// 任一步失败都会删除 temp，final 保持原样。
func WriteAtomic(temp, final string, fill func(w io.Writer) error) error {
	f, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", temp, err)
	}

	buf := bufio.NewWriter(f)
	err = fill(buf)
	if err == nil {
		err = buf.Flush()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(temp)
		return fmt.Errorf("write %s: %w", temp, err)
	}

	if err := os.Rename(temp, final); err != nil {
		os.Remove(temp)
		return fmt.Errorf("rename %s: %w", final, err)
	}
	return nil
}

// EnsureDir 确保目录存在；已存在的非目录文件视为错误。
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return os.MkdirAll(dir, 0o755)
	default:
		return err
	}
}

// Exists 判断路径是否存在（不跟随最后一级符号链接）。
func Exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
