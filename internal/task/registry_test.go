package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/logging"
)

type fakeProcess struct {
	done chan struct{}
	err  error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error           { return p.err }

func (p *fakeProcess) exit(err error) {
	p.err = err
	close(p.done)
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry(logging.Discard())
	a := r.Create(Spec{Kind: IndexFetch, Target: "/c/a"})
	b := r.Create(Spec{Kind: ArchiveFetch, Target: "/c/b"})
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("unexpected ids %d, %d", a.ID, b.ID)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 live tasks, got %d", r.Len())
	}
}

func TestFindMatchesKindAndTarget(t *testing.T) {
	r := NewRegistry(logging.Discard())
	idx := r.Create(Spec{Kind: IndexFetch, Target: "/c/x"})
	if got := r.Find(IndexFetch, "/c/x"); got != idx {
		t.Fatalf("expected to find index task")
	}
	if got := r.Find(ArchiveFetch, "/c/x"); got != nil {
		t.Fatalf("kinds must not merge, got task %d", got.ID)
	}
	if got := r.Find(IndexFetch, "/c/y"); got != nil {
		t.Fatalf("different target must not match")
	}

	r.Destroy(idx, nil)
	if got := r.Find(IndexFetch, "/c/x"); got != nil {
		t.Fatalf("destroyed task must not be found")
	}
}

func TestWatchForwardsSingleExit(t *testing.T) {
	r := NewRegistry(logging.Discard())
	defer r.Close()

	tk := r.Create(Spec{Kind: ArchiveFetch, Target: "/c/a"})
	proc := newFakeProcess()
	if err := r.Watch(tk, proc); err != nil {
		t.Fatalf("watch error: %v", err)
	}
	if err := r.Watch(tk, newFakeProcess()); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}

	want := errors.New("exit 1")
	proc.exit(want)

	select {
	case exit := <-r.Exits():
		if exit.Task != tk || !errors.Is(exit.Err, want) {
			t.Fatalf("unexpected exit %+v", exit)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("exit was not forwarded")
	}
}

func TestCompleteRunsStepOnceAndDestroys(t *testing.T) {
	r := NewRegistry(logging.Discard())
	tk := r.Create(Spec{Kind: IndexFetch, Target: "/c/index.tgz"})

	calls := 0
	ix := &index.Index{Site: "example.org"}
	tk.Step = func(t *Task, procErr error) error {
		calls++
		t.SetIndex(ix)
		return procErr
	}

	if err := r.Complete(Exit{Task: tk}); err != nil {
		t.Fatalf("complete error: %v", err)
	}
	if err := r.Complete(Exit{Task: tk, Err: errors.New("late")}); err != nil {
		t.Fatalf("second complete must report the first result, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("step ran %d times", calls)
	}
	if tk.Index() != ix {
		t.Fatalf("successful task should keep its index")
	}
	if r.Len() != 0 {
		t.Fatalf("task should be unlinked")
	}
	if err := tk.Wait(context.Background()); err != nil {
		t.Fatalf("wait error: %v", err)
	}
}

func TestDestroyFailureDropsIndex(t *testing.T) {
	r := NewRegistry(logging.Discard())
	tk := r.Create(Spec{Kind: IndexFetch, Target: "/c/index.tgz"})
	tk.SetIndex(&index.Index{Site: "example.org"})

	boom := errors.New("boom")
	r.Destroy(tk, boom)
	if tk.Index() != nil {
		t.Fatalf("failed task must not expose an index")
	}
	if !errors.Is(tk.Err(), boom) {
		t.Fatalf("unexpected err %v", tk.Err())
	}
	r.Destroy(tk, nil)
	if !errors.Is(tk.Err(), boom) {
		t.Fatalf("second destroy must be a no-op")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	r := NewRegistry(logging.Discard())
	tk := r.Create(Spec{Kind: ArchiveFetch, Target: "/c/a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tk.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tk.Err() != nil || tk.Index() != nil {
		t.Fatalf("live task must report no result")
	}
}

func TestListSnapshots(t *testing.T) {
	r := NewRegistry(logging.Discard())
	base := time.Unix(1000, 0)
	r.now = func() time.Time { return base }
	tk := r.Create(Spec{
		Kind:   ArchiveFetch,
		Target: "/c/example.org/bin/.0inst-tmp-x",
		Site:   "example.org",
		Size:   1000,
	})

	r.now = func() time.Time { return base.Add(3 * time.Second) }
	list := r.List()
	if len(list) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(list))
	}
	s := list[0]
	if s.ID != tk.ID || s.Kind != "archive" || s.Size != 1000 || s.Site != "example.org" || s.Age != 3 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestListSeesFullyFormedTasks(t *testing.T) {
	r := NewRegistry(logging.Discard())
	group := &index.Group{Size: 42}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.Create(Spec{
					Kind:   ArchiveFetch,
					Target: fmt.Sprintf("/c/w%d/%d", worker, j),
					Site:   "example.org",
					Rel:    "/example.org/bin/tool",
					Size:   group.Size,
					Group:  group,
				})
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		for _, s := range r.List() {
			if s.Site != "example.org" || s.Size != 42 {
				t.Fatalf("snapshot of a half-built task: %+v", s)
			}
		}
		select {
		case <-done:
			if r.Len() != 100 {
				t.Fatalf("expected 100 live tasks, got %d", r.Len())
			}
			return
		default:
		}
	}
}
