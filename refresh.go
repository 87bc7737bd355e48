package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/fetch"
)

// parseSince 解析 YYYY-MM-DD 或 YYYY-MM-DD,HH:MM（UTC）；空串返回零值。
func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	layout := "2006-01-02"
	if strings.Contains(raw, ",") {
		layout = "2006-01-02,15:04"
	}
	t, err := time.ParseInLocation(layout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q (want YYYY-MM-DD[,HH:MM])", fetch.ErrInvalidInput, raw)
	}
	return t, nil
}

// runRefresh 在后台运行反应器，强制刷新 path 所属站点的索引并等待结果。
func runRefresh(ctx context.Context, engine *fetch.Engine, logger *logrus.Logger, path string, since time.Time) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = engine.Run(ctx)
	}()

	fields := logrus.Fields{"action": "refresh", "path": path}
	if !since.IsZero() {
		fields["since"] = since.Format(time.RFC3339)
	}

	refreshed, err := engine.Refresh(ctx, path, since)
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("刷新失败")
		fmt.Fprintf(stdErr, "刷新失败: %v\n", err)
		return 1
	}
	if !refreshed {
		logger.WithFields(fields).Info("索引已是最新")
		fmt.Fprintln(stdOut, "up to date")
		return 0
	}
	logger.WithFields(fields).Info("索引已刷新")
	fmt.Fprintln(stdOut, "refreshed")
	return 0
}
