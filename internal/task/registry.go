package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/logging"
	"github.com/any-hub/zero-fetch/internal/metrics"
)

// ErrAlreadyBound 表示任务已经绑定过进程。
var ErrAlreadyBound = errors.New("task already has a process")

// Exit 是一次进程退出通知。
type Exit struct {
	Task *Task
	Err  error
}

// Registry 持有所有存活任务，由调用方显式创建并传递。
type Registry struct {
	mu     sync.Mutex
	next   int64
	live   []*Task
	exits  chan Exit
	quit   chan struct{}
	closed bool
	logger *logrus.Logger
	now    func() time.Time
}

// NewRegistry 创建空注册表。
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		exits:  make(chan Exit, 16),
		quit:   make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Create 分配递增编号，按 spec 构造完整的任务后再加入存活集合。
func (r *Registry) Create(spec Spec) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	t := &Task{
		ID:      r.next,
		Kind:    spec.Kind,
		Target:  spec.Target,
		Site:    spec.Site,
		Rel:     spec.Rel,
		Size:    spec.Size,
		Group:   spec.Group,
		Step:    spec.Step,
		created: r.now(),
		done:    make(chan struct{}),
	}
	r.live = append(r.live, t)
	metrics.TasksInflight.WithLabelValues(spec.Kind.String()).Inc()
	return t
}

// Find 线性扫描存活任务，返回同类型且目标相同的任务。
func (r *Registry) Find(kind Kind, target string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.live {
		if t.Kind == kind && t.Target == target {
			return t
		}
	}
	return nil
}

// Watch 把进程绑定到任务，并在进程退出时把结果送往 Exits。每个任务只能绑定一次。
func (r *Registry) Watch(t *Task, proc Process) error {
	r.mu.Lock()
	if t.proc != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %d", ErrAlreadyBound, t.ID)
	}
	t.proc = proc
	r.mu.Unlock()

	metrics.TasksStarted.WithLabelValues(t.Kind.String()).Inc()
	go func() {
		select {
		case <-proc.Done():
		case <-r.quit:
			return
		}
		select {
		case r.exits <- Exit{Task: t, Err: proc.Err()}:
		case <-r.quit:
		}
	}()
	return nil
}

// Exits 返回进程退出通知通道，由反应器消费。
func (r *Registry) Exits() <-chan Exit {
	return r.exits
}

// Complete 运行任务的完成步骤（恰好一次）然后销毁任务。
func (r *Registry) Complete(exit Exit) error {
	t := exit.Task
	if r.destroyed(t) {
		return t.err
	}

	err := exit.Err
	if t.Step != nil {
		err = t.Step(t, exit.Err)
	}
	r.Destroy(t, err)
	return err
}

// Destroy 从存活集合中移除任务并唤醒所有等待者。失败时丢弃任务持有的索引。
// 重复调用无副作用。
func (r *Registry) Destroy(t *Task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-t.done:
		return
	default:
	}

	for i, cur := range r.live {
		if cur == t {
			r.live = append(r.live[:i], r.live[i+1:]...)
			break
		}
	}
	if err != nil {
		t.index = nil
	}
	t.err = err
	t.Step = nil
	close(t.done)

	kind := t.Kind.String()
	metrics.TasksInflight.WithLabelValues(kind).Dec()
	metrics.TasksCompleted.WithLabelValues(kind, metrics.Result(err)).Inc()

	entry := r.logger.WithFields(logging.TaskFields(t.ID, kind, t.Target))
	if err != nil {
		entry.WithError(err).Warn("task_failed")
		return
	}
	entry.Info("task_completed")
}

// List 返回存活任务的快照，按编号递增。
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Snapshot, 0, len(r.live))
	for _, t := range r.live {
		out = append(out, Snapshot{
			ID:     t.ID,
			Kind:   t.Kind.String(),
			Target: t.Target,
			Site:   t.Site,
			Size:   t.Size,
			Age:    now.Sub(t.created).Seconds(),
		})
	}
	return out
}

// Len 返回存活任务数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close 停止转发进程退出通知。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
}

func (r *Registry) destroyed(t *Task) bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
