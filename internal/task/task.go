// Package task tracks in-flight fetch operations. Each Task is bound to at
// most one background process, is found again by (kind, target) so repeated
// requests merge, and completes exactly once.
package task

import (
	"context"
	"time"

	"github.com/any-hub/zero-fetch/internal/index"
)

// Kind 区分任务类型；去重只在同类任务之间进行。
type Kind int

const (
	IndexFetch Kind = iota
	ArchiveFetch
)

func (k Kind) String() string {
	switch k {
	case IndexFetch:
		return "index"
	case ArchiveFetch:
		return "archive"
	default:
		return "unknown"
	}
}

// Process 是后台操作的单次完成句柄。
type Process interface {
	Done() <-chan struct{}
	Err() error
}

// Step 在绑定的进程退出后调用一次，procErr 为进程结果，返回值为任务最终结果。
type Step func(t *Task, procErr error) error

// Spec 描述待创建的任务。所有字段在任务加入注册表之前写入，之后只读。
type Spec struct {
	Kind   Kind
	Target string

	Site  string
	Rel   string
	Size  int64
	Group *index.Group
	Step  Step
}

// Task 是一次进行中的获取操作。导出字段由 Spec 在创建时给定，之后只读。
type Task struct {
	ID     int64
	Kind   Kind
	Target string // 下载目标路径，同时是去重键

	Site  string
	Rel   string       // 触发任务的缓存相对路径
	Size  int64        // 预期字节数，供进度显示
	Group *index.Group // 仅 ArchiveFetch
	Step  Step

	created time.Time
	proc    Process
	index   *index.Index
	done    chan struct{}
	err     error
}

// Done 在任务销毁时关闭。
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err 返回任务结果；Done 关闭前返回 nil。
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait 阻塞直到任务完成或 ctx 取消。
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Index 返回成功的索引任务所产出的索引；失败或未完成时为 nil。
func (t *Task) Index() *index.Index {
	select {
	case <-t.done:
		return t.index
	default:
		return nil
	}
}

// SetIndex 由完成步骤调用，把解析好的索引交给任务。
func (t *Task) SetIndex(ix *index.Index) {
	t.index = ix
}

// Snapshot 是任务的只读视图，供状态接口与进度显示使用。
type Snapshot struct {
	ID     int64   `json:"id"`
	Kind   string  `json:"kind"`
	Target string  `json:"target"`
	Site   string  `json:"site,omitempty"`
	Size   int64   `json:"size"`
	Age    float64 `json:"age_seconds"`
}
