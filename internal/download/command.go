package download

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

// CommandFetcher 通过外部 wget 进程下载，适用于需要沿用系统代理配置的环境。
type CommandFetcher struct {
	path   string
	logger *logrus.Logger
}

// NewCommandFetcher 以可执行文件路径构造下载器，空值使用 PATH 中的 wget。
func NewCommandFetcher(path string, logger *logrus.Logger) *CommandFetcher {
	if path == "" {
		path = "wget"
	}
	return &CommandFetcher{path: path, logger: logger}
}

// Args 返回传给 wget 的参数列表。
func (f *CommandFetcher) Args(req Request) []string {
	args := []string{"-q", "-O", req.Dest, req.URI, "--tries=" + strconv.Itoa(req.tries())}
	if req.NoCache {
		args = append(args, "--cache=off")
	}
	return args
}

// Start 创建目标目录并启动 wget 子进程；子进程退出码决定 Process 的结果。
func (f *CommandFetcher) Start(ctx context.Context, req Request) (*Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", req.Dest, err)
	}

	cmd := exec.CommandContext(ctx, f.path, f.Args(req)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", f.path, err)
	}
	if f.logger != nil {
		f.logger.WithFields(logrus.Fields{
			"action": "download",
			"pid":    cmd.Process.Pid,
			"uri":    req.URI,
			"dest":   req.Dest,
		}).Debug("wget_started")
	}
	return Go(func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("%s %s: %w", f.path, req.URI, err)
		}
		return nil
	}), nil
}
