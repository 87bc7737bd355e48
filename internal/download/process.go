// Package download starts the network transfers that feed the fetch
// pipelines. A transfer runs in the background and is observed through a
// single-fire Process handle, so the caller never blocks on the network.
package download

import (
	"context"
	"errors"
	"sync"
)

// ErrBadRequest 表示请求缺少 URI 或目标路径。
var ErrBadRequest = errors.New("download request incomplete")

// Request 描述一次下载：把 URI 写到 Dest，最多尝试 Tries 次。
type Request struct {
	URI     string
	Dest    string
	Tries   int
	NoCache bool // 要求绕过中间缓存
}

func (r Request) validate() error {
	if r.URI == "" || r.Dest == "" {
		return ErrBadRequest
	}
	return nil
}

func (r Request) tries() int {
	if r.Tries <= 0 {
		return 1
	}
	return r.Tries
}

// Fetcher 启动一次异步下载。返回错误即视为未能启动，此时没有后台任务在运行。
type Fetcher interface {
	Start(ctx context.Context, req Request) (*Process, error)
}

// Process 是后台操作的单次完成句柄：Done 关闭后 Err 返回最终结果。
type Process struct {
	done chan struct{}
	once sync.Once
	err  error
}

// Go 在新 goroutine 中运行 fn，并返回其完成句柄。
func Go(fn func() error) *Process {
	p := &Process{done: make(chan struct{})}
	go func() {
		p.finish(fn())
	}()
	return p
}

// Done 在操作结束时关闭。
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err 返回操作结果；Done 关闭前调用总是返回 nil。
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait 阻塞直到操作结束或 ctx 取消。
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
