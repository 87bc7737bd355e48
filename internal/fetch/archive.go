package fetch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/download"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/metrics"
	"github.com/any-hub/zero-fetch/internal/task"
	"github.com/any-hub/zero-fetch/internal/verify"
)

// FetchArchive 为 file 所在组启动（或合并到）一次归档下载。file 是组内某个文件的
// 缓存相对路径，archive 是该组的一个来源。
func (e *Engine) FetchArchive(file string, archive *index.Archive) (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchArchive(file, archive)
}

func (e *Engine) fetchArchive(file string, archive *index.Archive) (*task.Task, error) {
	if archive == nil || archive.Group == nil {
		return nil, fmt.Errorf("%w: archive without group for %s", ErrInvalidInput, file)
	}
	group := archive.Group

	uri, err := archiveURI(file, archive.Href)
	if err != nil {
		return nil, err
	}
	tmp, err := e.layout.ArchiveTempPath(file, group.MD5)
	if err != nil {
		return nil, err
	}
	if t := e.registry.Find(task.ArchiveFetch, tmp); t != nil {
		return e.merged(t), nil
	}

	site, err := cache.SiteOf(file)
	if err != nil {
		return nil, err
	}
	t := e.registry.Create(task.Spec{
		Kind:   task.ArchiveFetch,
		Target: tmp,
		Site:   site,
		Rel:    file,
		Size:   group.Size,
		Group:  group,
		Step:   e.gotArchive,
	})

	if err := e.start(t, download.Request{URI: uri, Dest: tmp, Tries: e.tries}); err != nil {
		return nil, err
	}
	return t, nil
}

// archiveURI 返回归档的下载地址：带 scheme 的 href 原样使用，否则相对站点根解析。
func archiveURI(file, href string) (string, error) {
	if href == "" {
		return "", fmt.Errorf("%w: empty archive href", ErrInvalidInput)
	}
	if strings.Contains(href, "://") {
		return href, nil
	}
	site, err := cache.SiteOf(file)
	if err != nil {
		return "", err
	}
	return "http://" + site + "/" + strings.TrimPrefix(href, "/"), nil
}

// gotArchive 无论结果如何都会删除下载的归档。
func (e *Engine) gotArchive(t *task.Task, procErr error) error {
	var err error
	if procErr != nil {
		err = fmt.Errorf("%w: fetch archive: %w", ErrSubprocess, procErr)
	} else {
		err = e.unpackArchive(t)
	}
	if rmErr := os.Remove(t.Target); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		e.taskLogger(t).WithError(rmErr).Warn("archive_cleanup_failed")
	}
	return err
}

// unpackArchive 依次校验大小与校验和，解包到私有暂存目录，逐个校验组内文件，
// 全部通过后才移入缓存目录。暂存目录总会被删除。
func (e *Engine) unpackArchive(t *task.Task) error {
	group := t.Group
	archive := t.Target
	dir := filepath.Dir(archive)
	log := e.taskLogger(t)

	info, err := os.Lstat(archive)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	if info.Size() != group.Size {
		return e.mismatch(t, ErrSizeMismatch, "size", archive, group.Size, info.Size())
	}

	ok, actual, err := verify.ChecksumFile(archive, group.MD5)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	if !ok {
		return e.mismatch(t, ErrChecksumMismatch, "md5", archive, group.MD5, actual)
	}

	staging, err := e.layout.StagingDir(dir, group.MD5)
	if err != nil {
		return err
	}
	if cache.Exists(staging) {
		log.WithField("staging", staging).Warn("stale_staging_removed")
		if err := os.RemoveAll(staging); err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
	}
	if err := os.Mkdir(staging, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	err = e.unpacker.Unpack(e.ctx, archive, staging)
	if err != nil {
		err = fmt.Errorf("%w: unpack %s: %w", ErrSubprocess, archive, err)
	} else {
		err = e.promote(t, staging, dir)
	}

	if rmErr := os.RemoveAll(staging); rmErr != nil {
		log.WithError(rmErr).Warn("staging_cleanup_failed")
		if err == nil {
			err = fmt.Errorf("%w: %w", ErrFilesystem, rmErr)
		} else {
			err = multierror.Append(err, rmErr)
		}
	}
	return err
}

// promote 先校验组内每个文件（存在、普通文件、大小与 mtime 完全一致），
// 全部通过后再逐个 rename 到 dir。
func (e *Engine) promote(t *task.Task, staging, dir string) error {
	type move struct{ from, to string }
	var moves []move

	for _, it := range t.Group.Items {
		if !it.IsRegular() {
			continue
		}
		from := filepath.Join(staging, it.Name)
		info, err := os.Lstat(from)
		switch {
		case err != nil:
			return e.mismatch(t, ErrMemberMismatch, "presence", from, "present", "missing")
		case !info.Mode().IsRegular():
			return e.mismatch(t, ErrMemberMismatch, "type", from, "regular file", info.Mode().Type().String())
		case info.Size() != it.Size:
			return e.mismatch(t, ErrMemberMismatch, "size", from, it.Size, info.Size())
		case info.ModTime().Unix() != it.MTime:
			return e.mismatch(t, ErrMemberMismatch, "mtime", from, it.MTime, info.ModTime().Unix())
		}
		to, err := e.layout.Check(filepath.Join(dir, it.Name))
		if err != nil {
			return err
		}
		moves = append(moves, move{from: from, to: to})
	}

	for _, m := range moves {
		if err := os.Rename(m.from, m.to); err != nil {
			return fmt.Errorf("%w: promote %s: %w", ErrFilesystem, m.to, err)
		}
		metrics.FilesPromoted.Inc()
	}
	e.taskLogger(t).WithField("files", len(moves)).Info("archive_promoted")
	return nil
}
