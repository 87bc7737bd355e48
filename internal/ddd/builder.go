// Package ddd writes the per-directory descriptor files ("...") that the lazy
// filesystem layer reads to answer existence, size and mtime queries without
// touching the network.
package ddd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/metrics"
)

// Builder 遍历索引子树并为每个目录写出描述文件。它只读访问索引树。
type Builder struct {
	layout *cache.Layout
	logger *logrus.Logger
}

// Stats 汇总一次 Build 的结果。Failures 收集各分支的失败，不影响其它分支。
type Stats struct {
	Directories int
	Failures    error
}

// NewBuilder 构造描述文件生成器，layout 用于路径长度校验。
func NewBuilder(layout *cache.Layout, logger *logrus.Logger) *Builder {
	return &Builder{layout: layout, logger: logger}
}

// Build 为 dir 写出 path/...，然后递归处理子目录。只有根目录本身失败时返回错误；
// 子目录失败只中止该分支，记录日志并汇总进 Stats.Failures。
func (b *Builder) Build(dir *index.Directory, path string) (Stats, error) {
	var stats Stats
	if _, err := b.layout.Check(path); err != nil {
		return stats, err
	}
	if err := b.write(dir, path); err != nil {
		return stats, err
	}
	stats.Directories++

	var failures *multierror.Error
	b.recurse(dir, path, &stats, &failures)
	stats.Failures = failures.ErrorOrNil()
	return stats, nil
}

func (b *Builder) recurse(dir *index.Directory, path string, stats *Stats, failures **multierror.Error) {
	for it := range dir.Subdirs() {
		child, err := b.childPath(path, it.Name)
		if err == nil {
			err = b.write(it.Dir, child)
		}
		if err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"action": "build_ddd",
				"dir":    path,
				"name":   it.Name,
			}).Warn("descriptor_branch_failed")
			*failures = multierror.Append(*failures, err)
			continue
		}
		stats.Directories++
		b.recurse(it.Dir, child, stats, failures)
	}
}

// write 确保目录存在，然后以 "...." → "..." 的方式原子替换描述文件。
func (b *Builder) write(dir *index.Directory, path string) error {
	if err := cache.EnsureDir(path); err != nil {
		return fmt.Errorf("build descriptor %s: %w", path, err)
	}
	err := cache.WriteAtomic(filepath.Join(path, TempName), filepath.Join(path, FileName), func(w io.Writer) error {
		return Encode(w, dir)
	})
	if err != nil {
		return fmt.Errorf("build descriptor %s: %w", path, err)
	}
	metrics.DescriptorsWritten.Inc()
	return nil
}

func (b *Builder) childPath(path, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("%w: directory name %q under %s", index.ErrMalformed, name, path)
	}
	return b.layout.Check(filepath.Join(path, name))
}
