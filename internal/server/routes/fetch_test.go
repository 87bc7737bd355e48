package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/ddd"
	"github.com/any-hub/zero-fetch/internal/fetch"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/logging"
	"github.com/any-hub/zero-fetch/internal/task"
)

const routeIndex = `<d>
  <d name="bin" size="4096" mtime="10">
    <group size="100" MD5sum="0123456789abcdef0123456789abcdef">
      <archive href="bin.tgz"/>
      <e name="tool" size="12" mtime="11"/>
    </group>
  </d>
  <l name="latest" size="8" mtime="12" target="bin/tool"/>
</d>`

type fakeEngine struct {
	registry *task.Registry
	layout   *cache.Layout
	ix       *index.Index
	tk       *task.Task
	err      error
	lastPath string
	force    bool
}

func (f *fakeEngine) GetIndex(path string, _ bool, force bool) (*index.Index, *task.Task, error) {
	f.lastPath, f.force = path, force
	return f.ix, f.tk, f.err
}

func (f *fakeEngine) FetchFile(path string) (*task.Task, error) {
	f.lastPath = path
	return f.tk, f.err
}

func (f *fakeEngine) Registry() *task.Registry { return f.registry }
func (f *fakeEngine) Layout() *cache.Layout    { return f.layout }

func newRouteApp(t *testing.T) (*fiber.App, *fakeEngine) {
	t.Helper()
	layout, err := cache.NewLayout(t.TempDir(), 4096)
	if err != nil {
		t.Fatalf("layout error: %v", err)
	}
	engine := &fakeEngine{registry: task.NewRegistry(logging.Discard()), layout: layout}
	app := fiber.New()
	RegisterFetchRoutes(app, engine, logging.Discard())
	return app, engine
}

func doJSON(t *testing.T, app *fiber.App, method, target string, out interface{}) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v (body=%s)", target, err, body)
		}
	}
	return resp.StatusCode
}

func TestTasksRouteListsLiveTasks(t *testing.T) {
	app, engine := newRouteApp(t)
	tk := engine.registry.Create(task.Spec{Kind: task.ArchiveFetch, Target: "/c/example.org/bin/.0inst-tmp-x"})
	tk.Size = 100

	var payload struct {
		Tasks []task.Snapshot `json:"tasks"`
	}
	if status := doJSON(t, app, "GET", "/-/tasks", &payload); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.Tasks) != 1 || payload.Tasks[0].Kind != "archive" || payload.Tasks[0].Size != 100 {
		t.Fatalf("unexpected tasks %+v", payload.Tasks)
	}
}

func TestIndexRouteStates(t *testing.T) {
	app, engine := newRouteApp(t)

	ix, err := index.Parse(strings.NewReader(routeIndex), true, "example.org")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	engine.ix = ix
	var listing struct {
		Site    string         `json:"site"`
		Entries []entryPayload `json:"entries"`
	}
	if status := doJSON(t, app, "GET", "/-/index/example.org/bin", &listing); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if engine.lastPath != "/example.org/bin" || engine.force {
		t.Fatalf("unexpected engine call %q force=%v", engine.lastPath, engine.force)
	}
	if listing.Site != "example.org" || len(listing.Entries) != 1 || listing.Entries[0].Type != "x" || listing.Entries[0].Group == "" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	if status := doJSON(t, app, "GET", "/-/index/example.org/nope", nil); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown entry, got %d", status)
	}

	engine.ix = nil
	engine.tk = engine.registry.Create(task.Spec{Kind: task.IndexFetch, Target: "/c/example.org/.0inst-meta/index.tgz"})
	var started map[string]interface{}
	if status := doJSON(t, app, "GET", "/-/index/example.org?force=1", &started); status != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if !engine.force || started["kind"] != "index" {
		t.Fatalf("unexpected task payload %v (force=%v)", started, engine.force)
	}

	engine.tk = nil
	if status := doJSON(t, app, "GET", "/-/index/AppRun", nil); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for ignored path, got %d", status)
	}
}

func TestFetchRouteMapsErrors(t *testing.T) {
	app, engine := newRouteApp(t)

	engine.err = fetch.ErrNoIndex
	if status := doJSON(t, app, "POST", "/-/fetch/example.org/bin/tool", nil); status != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	engine.err = fetch.ErrInvalidInput
	if status := doJSON(t, app, "POST", "/-/fetch/example.org/bin", nil); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}

	engine.err = nil
	engine.tk = engine.registry.Create(task.Spec{Kind: task.ArchiveFetch, Target: "/c/x"})
	var payload map[string]interface{}
	if status := doJSON(t, app, "POST", "/-/fetch/example.org/bin/tool", &payload); status != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if payload["task_id"] != float64(engine.tk.ID) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestDirRouteDecodesDescriptor(t *testing.T) {
	app, engine := newRouteApp(t)
	ix, err := index.Parse(strings.NewReader(routeIndex), true, "example.org")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	builder := ddd.NewBuilder(engine.layout, logging.Discard())
	if _, err := builder.Build(ix.Root, filepath.Join(engine.layout.Root(), "example.org")); err != nil {
		t.Fatalf("build error: %v", err)
	}

	var payload struct {
		Entries []entryPayload `json:"entries"`
	}
	if status := doJSON(t, app, "GET", "/-/dir/example.org", &payload); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.Entries) != 2 || payload.Entries[1].Type != "l" || payload.Entries[1].Target != "bin/tool" {
		t.Fatalf("unexpected entries %+v", payload.Entries)
	}

	if status := doJSON(t, app, "GET", "/-/dir/example.org/missing", nil); status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status := doJSON(t, app, "GET", "/-/dir/../etc", nil); status != fiber.StatusBadRequest && status != fiber.StatusNotFound {
		t.Fatalf("traversal must be rejected, got %d", status)
	}
}
