// Package fetch implements the fetch-and-materialize pipelines: site index
// bundles are downloaded, signature-checked, parsed and committed, and group
// archives are downloaded, checksummed, unpacked and promoted file by file.
//
// An Engine serialises every entry point and every completion step behind a
// single mutex. Downloads run in the background; Run delivers their exits
// one at a time, so pipeline logic never runs concurrently with itself.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/ddd"
	"github.com/any-hub/zero-fetch/internal/download"
	"github.com/any-hub/zero-fetch/internal/logging"
	"github.com/any-hub/zero-fetch/internal/metrics"
	"github.com/any-hub/zero-fetch/internal/task"
	"github.com/any-hub/zero-fetch/internal/unpack"
	"github.com/any-hub/zero-fetch/internal/verify"
)

// Options 汇集 Engine 的协作者与参数。
type Options struct {
	Layout   *cache.Layout
	Registry *task.Registry
	Fetcher  download.Fetcher
	Unpacker unpack.Unpacker
	Verifier verify.TrustVerifier
	Builder  *ddd.Builder
	Logger   *logrus.Logger

	MountPrefix      string
	Tries            int
	RequireSignature bool
}

// Engine 持有流水线状态；零值不可用，使用 New 构造。
type Engine struct {
	mu sync.Mutex

	layout   *cache.Layout
	registry *task.Registry
	fetcher  download.Fetcher
	unpacker unpack.Unpacker
	verifier verify.TrustVerifier
	builder  *ddd.Builder
	logger   *logrus.Logger

	mountPrefix      string
	tries            int
	requireSignature bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New 校验选项并构造 Engine。
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Layout == nil:
		return nil, errors.New("fetch: layout required")
	case opts.Registry == nil:
		return nil, errors.New("fetch: registry required")
	case opts.Fetcher == nil:
		return nil, errors.New("fetch: fetcher required")
	case opts.Unpacker == nil:
		return nil, errors.New("fetch: unpacker required")
	case opts.Verifier == nil:
		return nil, errors.New("fetch: verifier required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	builder := opts.Builder
	if builder == nil {
		builder = ddd.NewBuilder(opts.Layout, logger)
	}
	tries := opts.Tries
	if tries <= 0 {
		tries = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		layout:           opts.Layout,
		registry:         opts.Registry,
		fetcher:          opts.Fetcher,
		unpacker:         opts.Unpacker,
		verifier:         opts.Verifier,
		builder:          builder,
		logger:           logger,
		mountPrefix:      opts.MountPrefix,
		tries:            tries,
		requireSignature: opts.RequireSignature,
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Registry 返回任务注册表。
func (e *Engine) Registry() *task.Registry {
	return e.registry
}

// Layout 返回缓存布局。
func (e *Engine) Layout() *cache.Layout {
	return e.layout
}

// Run 是反应器：逐个接收进程退出通知并运行对应的完成步骤，直到 ctx 取消。
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case exit := <-e.registry.Exits():
			e.complete(exit)
		}
	}
}

// Close 取消所有进行中的下载并停止转发退出通知。
func (e *Engine) Close() {
	e.cancel()
	e.registry.Close()
}

func (e *Engine) complete(exit task.Exit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.Complete(exit); err != nil {
		if reason := Reason(err); reason != "" {
			metrics.VerifyFailures.WithLabelValues(reason).Inc()
		}
	}
}

// start 为任务启动下载并绑定进程；启动失败时立即以失败销毁任务。
func (e *Engine) start(t *task.Task, req download.Request) error {
	log := e.taskLogger(t)
	proc, err := e.fetcher.Start(e.ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSpawn, req.URI, err)
		e.registry.Destroy(t, err)
		return err
	}
	if err := e.registry.Watch(t, proc); err != nil {
		e.registry.Destroy(t, err)
		return err
	}
	log.WithField("uri", req.URI).Info("fetch_started")
	return nil
}

// merged 记录一次合并到已有任务的请求。
func (e *Engine) merged(t *task.Task) *task.Task {
	metrics.TasksMerged.WithLabelValues(t.Kind.String()).Inc()
	e.taskLogger(t).Info("task_merged")
	return t
}

func (e *Engine) taskLogger(t *task.Task) *logrus.Entry {
	return e.logger.WithFields(logging.TaskFields(t.ID, t.Kind.String(), t.Target))
}

// mismatch 记录期望值与实际值，并返回可用 errors.Is 判断的错误。
func (e *Engine) mismatch(t *task.Task, sentinel error, what, path string, want, got interface{}) error {
	e.taskLogger(t).WithFields(logging.MismatchFields(what, path, want, got)).Error(sentinel.Error())
	return &MismatchError{Err: sentinel, What: what, Path: path, Want: want, Got: got}
}
