package fetch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/task"
)

// launchEntryName 是启动器在站点根目录查找的入口名，它永远不对应站点索引。
const launchEntryName = "AppRun"

// GetIndex 返回 path 所属站点的索引。缓存中已有且未强制刷新时同步解析并返回；
// 否则在 wantTask 为 true 时启动（或合并到）索引任务，返回任务而不返回索引。
// wantTask 为 false 时忽略 force。入口名与以 '.' 开头的路径直接返回 nil。
func (e *Engine) GetIndex(path string, wantTask, force bool) (*index.Index, *task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getIndex(path, wantTask, force)
}

func (e *Engine) getIndex(path string, wantTask, force bool) (*index.Index, *task.Task, error) {
	if !wantTask {
		force = false
	}
	rel, err := e.Relative(path)
	if err != nil {
		return nil, nil, err
	}
	if skipLookup(rel) {
		return nil, nil, nil
	}

	site, err := cache.SiteOf(rel)
	if err != nil {
		return nil, nil, err
	}
	indexPath, err := e.layout.IndexPath(site)
	if err != nil {
		return nil, nil, err
	}

	if !force && cache.Exists(indexPath) {
		ix, err := index.ParseFile(indexPath, false, site)
		if err == nil {
			return ix, nil, nil
		}
		e.logger.WithError(err).WithField("site", site).Warn("cached_index_unreadable")
	}

	if !wantTask {
		return nil, nil, nil
	}
	t, err := e.fetchSiteIndex(rel, !force)
	return nil, t, err
}

// Relative 去掉挂载前缀，返回以 '/' 开头的缓存相对路径。
func (e *Engine) Relative(path string) (string, error) {
	rel := path
	if e.mountPrefix != "" && strings.HasPrefix(path, e.mountPrefix) {
		rest := path[len(e.mountPrefix):]
		if rest == "" || rest[0] == '/' {
			rel = rest
		}
	}
	if !strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q is not under %s", ErrInvalidInput, path, e.mountPrefix)
	}
	return rel, nil
}

func skipLookup(rel string) bool {
	name := rel[1:]
	return name == launchEntryName || strings.HasPrefix(name, ".")
}

// FetchFile 在缓存的站点索引中找到 path 对应文件所属的组，并为其第一个归档来源
// 启动下载。站点索引尚未缓存时返回 ErrNoIndex。
func (e *Engine) FetchFile(path string) (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ix, _, err := e.getIndex(path, false, false)
	if err != nil {
		return nil, err
	}
	if ix == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, path)
	}
	rel, err := e.Relative(path)
	if err != nil {
		return nil, err
	}
	within := strings.TrimPrefix(strings.TrimPrefix(rel, "/"), ix.Site)

	item, ok := ix.Lookup(within)
	switch {
	case !ok || item == nil:
		return nil, fmt.Errorf("%w: %s is not in the index", ErrInvalidInput, path)
	case !item.IsRegular() || item.Group == nil || len(item.Group.Archives) == 0:
		return nil, fmt.Errorf("%w: %s is not fetchable", ErrInvalidInput, path)
	}
	return e.fetchArchive(rel, item.Group.Archives[0])
}

// Refresh 强制重新获取 path 所属站点的索引并等待结果。since 非零时，只有已接受
// 索引的修改时间早于 since 才会刷新。返回是否进行了刷新。
func (e *Engine) Refresh(ctx context.Context, path string, since time.Time) (bool, error) {
	if !since.IsZero() {
		stale, err := e.staleBefore(path, since)
		if err != nil {
			return false, err
		}
		if !stale {
			return false, nil
		}
	}

	_, t, err := e.GetIndex(path, true, true)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("%w: %s cannot carry a site index", ErrInvalidInput, path)
	}
	return true, t.Wait(ctx)
}

func (e *Engine) staleBefore(path string, since time.Time) (bool, error) {
	rel, err := e.Relative(path)
	if err != nil {
		return false, err
	}
	site, err := cache.SiteOf(rel)
	if err != nil {
		return false, err
	}
	indexPath, err := e.layout.IndexPath(site)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(indexPath)
	if err != nil {
		return true, nil
	}
	return info.ModTime().Before(since), nil
}
