package routes

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/ddd"
	"github.com/any-hub/zero-fetch/internal/fetch"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/server"
	"github.com/any-hub/zero-fetch/internal/task"
)

// RegisterFetchRoutes 暴露 /-/ 控制接口：任务列表、索引查询、文件获取与目录描述。
func RegisterFetchRoutes(app *fiber.App, engine server.Engine, logger *logrus.Logger) {
	if app == nil || engine == nil {
		return
	}

	app.Get("/-/tasks", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"tasks": engine.Registry().List()})
	})

	app.Get("/-/index/*", func(c fiber.Ctx) error {
		path := wildcardPath(c)
		force := c.Query("force") == "1"

		ix, tk, err := engine.GetIndex(path, true, force)
		switch {
		case err != nil:
			return renderError(c, logger, "get_index", path, err)
		case tk != nil:
			return renderTask(c, tk)
		case ix == nil:
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "path_ignored"})
		}
		return renderIndex(c, ix, path)
	})

	app.Post("/-/fetch/*", func(c fiber.Ctx) error {
		path := wildcardPath(c)
		tk, err := engine.FetchFile(path)
		if err != nil {
			return renderError(c, logger, "fetch_file", path, err)
		}
		return renderTask(c, tk)
	})

	app.Get("/-/dir/*", func(c fiber.Ctx) error {
		path := wildcardPath(c)
		dir, err := engine.Layout().Path(path)
		if err != nil {
			return renderError(c, logger, "read_descriptor", path, err)
		}
		entries, err := ddd.ReadFile(dir)
		if err != nil {
			return renderError(c, logger, "read_descriptor", path, err)
		}
		return c.JSON(fiber.Map{"path": path, "entries": encodeEntries(entries)})
	})
}

type entryPayload struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"`
	Target string `json:"target,omitempty"`
	Group  string `json:"group,omitempty"`
}

func renderTask(c fiber.Ctx, tk *task.Task) error {
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": tk.ID,
		"kind":    tk.Kind.String(),
		"target":  tk.Target,
	})
}

func renderIndex(c fiber.Ctx, ix *index.Index, path string) error {
	within := ""
	if idx := strings.Index(strings.TrimPrefix(path, "/"), "/"); idx >= 0 {
		within = strings.TrimPrefix(path, "/")[idx:]
	}
	item, ok := ix.Lookup(within)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_in_index", "site": ix.Site})
	}

	dir := ix.Root
	if item != nil {
		if item.Kind != index.KindDirectory {
			return c.JSON(fiber.Map{"site": ix.Site, "item": encodeItem(item)})
		}
		dir = item.Dir
	}
	entries := make([]entryPayload, 0, len(dir.Items))
	for it := range dir.Children() {
		entries = append(entries, encodeItem(it))
	}
	return c.JSON(fiber.Map{"site": ix.Site, "entries": entries})
}

func encodeItem(it *index.Item) entryPayload {
	p := entryPayload{
		Type:   string(ddd.TypeChar(it.Kind)),
		Name:   it.Name,
		Size:   it.Size,
		MTime:  it.MTime,
		Target: it.Target,
	}
	if it.Group != nil {
		p.Group = it.Group.MD5
	}
	return p
}

func encodeEntries(entries []ddd.Entry) []entryPayload {
	out := make([]entryPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryPayload{
			Type:   string(e.Type),
			Name:   e.Name,
			Size:   e.Size,
			MTime:  e.MTime,
			Target: e.Target,
		})
	}
	return out
}

func renderError(c fiber.Ctx, logger *logrus.Logger, action, path string, err error) error {
	status, code := classify(err)
	if logger != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action":     action,
			"path":       path,
			"request_id": server.RequestID(c),
		}).Warn("control request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, fetch.ErrNoIndex):
		return fiber.StatusConflict, "index_not_cached"
	case errors.Is(err, cache.ErrPathTooLong):
		return fiber.StatusBadRequest, "path_too_long"
	case errors.Is(err, fetch.ErrInvalidInput):
		return fiber.StatusBadRequest, "invalid_path"
	case errors.Is(err, fs.ErrNotExist):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, fetch.ErrSpawn):
		return fiber.StatusBadGateway, "spawn_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func wildcardPath(c fiber.Ctx) string {
	return "/" + strings.TrimPrefix(c.Params("*"), "/")
}
