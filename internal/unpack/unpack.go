// Package unpack extracts gzip-compressed tar archives into an explicit
// directory. Nothing here changes the process working directory.
package unpack

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrMemberNotFound 表示归档中没有请求的成员。
	ErrMemberNotFound = errors.New("archive member not found")
	// ErrUnsafeEntry 表示归档条目试图写到目标目录之外。
	ErrUnsafeEntry = errors.New("archive entry escapes destination")
)

// Unpacker 把 archive 解包到 dir；dir 必须已存在。
type Unpacker interface {
	Unpack(ctx context.Context, archive, dir string) error
}

// Native 在进程内解包。只还原目录与普通文件（含权限位与 mtime），
// 链接与设备等条目被跳过，后续的成员校验会把缺失的文件视为不匹配。
type Native struct{}

// Unpack 实现 Unpacker。
func (Native) Unpack(ctx context.Context, archive, dir string) error {
	return walk(archive, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return false, err
		}
		if target == "" {
			return true, nil
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return false, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return false, err
			}
			if err := writeFile(target, r, hdr.FileInfo().Mode().Perm()); err != nil {
				return false, err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return false, fmt.Errorf("restore mtime %s: %w", hdr.Name, err)
			}
		}
		return true, nil
	})
}

// Command 调用外部 tar，工作目录通过 cmd.Dir 显式传入。
type Command struct {
	Path string
}

// Unpack 实现 Unpacker；tar 的退出状态决定结果。
func (c Command) Unpack(ctx context.Context, archive, dir string) error {
	bin := c.Path
	if bin == "" {
		bin = "tar"
	}
	abs, err := filepath.Abs(archive)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, bin, "-xzf", abs)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s -xzf %s: %w: %s", bin, abs, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ExtractMember 把归档中名为 member 的普通文件写到 dest，成员名忽略前导 "./"。
func ExtractMember(archive, member, dest string) error {
	want := path.Clean(strings.TrimPrefix(member, "./"))
	found := false
	err := walk(archive, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if hdr.Typeflag != tar.TypeReg || path.Clean(strings.TrimPrefix(hdr.Name, "./")) != want {
			return true, nil
		}
		found = true
		return false, writeFile(dest, r, 0o644)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", ErrMemberNotFound, member, archive)
	}
	return nil
}

// walk 依次把条目交给 fn，fn 返回 false 时提前结束。
func walk(archive string, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", archive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", archive, err)
		}
		more, err := fn(hdr, tr)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// safeJoin 返回条目在 dir 下的路径；根目录条目（"./"）返回空串。
func safeJoin(dir, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", nil
	}
	if strings.Contains(name, "..") {
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				return "", fmt.Errorf("%w: %s", ErrUnsafeEntry, name)
			}
		}
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

func writeFile(dest string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return os.Chmod(dest, perm)
}
