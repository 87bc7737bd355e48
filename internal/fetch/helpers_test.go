package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/download"
	"github.com/any-hub/zero-fetch/internal/logging"
	"github.com/any-hub/zero-fetch/internal/task"
	"github.com/any-hub/zero-fetch/internal/unpack"
	"github.com/any-hub/zero-fetch/internal/verify"
)

const (
	testSite   = "example.org"
	testPrefix = "/uri/0install"
	bundleURI  = "http://example.org/.0inst-index.tgz"
	archiveURL = "http://example.org/archives/bin.tgz"
	toolMTime  = int64(1041379201)
	readMTime  = int64(1041379202)
	toolBody   = "#!/bin/sh\necho tool\n"
	readBody   = "read me\n"
)

// fakeFetcher 按 URI 返回预置内容；gate 非空时下载会阻塞到 gate 关闭。
type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	starts   []download.Request
	gate     chan struct{}
	spawnErr error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{payloads: map[string][]byte{}}
}

func (f *fakeFetcher) serve(uri string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[uri] = data
}

func (f *fakeFetcher) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeFetcher) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gate)
	f.gate = nil
}

func (f *fakeFetcher) Start(_ context.Context, req download.Request) (*download.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.starts = append(f.starts, req)
	data, ok := f.payloads[req.URI]
	gate := f.gate
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return nil, err
	}
	return download.Go(func() error {
		if gate != nil {
			<-gate
		}
		if !ok {
			return errors.New("404 Not Found")
		}
		return os.WriteFile(req.Dest, data, 0o644)
	}), nil
}

func (f *fakeFetcher) requests() []download.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]download.Request(nil), f.starts...)
}

type fakeVerifier struct {
	mu    sync.Mutex
	trust verify.Trust
	calls int
}

func (v *fakeVerifier) Verify(_ context.Context, _ string, sig verify.Signature) (verify.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	for _, p := range []string{sig.Keyring, sig.Signature, sig.Signed} {
		if _, err := os.Stat(p); err != nil {
			return verify.Verdict{}, err
		}
	}
	return verify.Verdict{Trust: v.trust, Signer: "FINGERPRINT"}, nil
}

func (v *fakeVerifier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type harness struct {
	engine   *Engine
	fetcher  *fakeFetcher
	verifier *fakeVerifier
	layout   *cache.Layout
	siteDir  string
}

func newHarness(t *testing.T, requireSignature bool) *harness {
	t.Helper()
	layout, err := cache.NewLayout(t.TempDir(), 4096)
	if err != nil {
		t.Fatalf("layout error: %v", err)
	}
	fetcher := newFakeFetcher()
	verifier := &fakeVerifier{trust: verify.TrustTrusted}
	engine, err := New(Options{
		Layout:           layout,
		Registry:         task.NewRegistry(logging.Discard()),
		Fetcher:          fetcher,
		Unpacker:         unpack.Native{},
		Verifier:         verifier,
		Logger:           logging.Discard(),
		MountPrefix:      testPrefix,
		Tries:            3,
		RequireSignature: requireSignature,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		engine.Close()
	})

	return &harness{
		engine:   engine,
		fetcher:  fetcher,
		verifier: verifier,
		layout:   layout,
		siteDir:  filepath.Join(layout.Root(), testSite),
	}
}

// loadSite 走完整流程把 indexXML 作为已接受索引写入缓存。
func (h *harness) loadSite(t *testing.T, indexXML string) {
	t.Helper()
	h.fetcher.serve(bundleURI, signedBundle(t, indexXML))
	_, tk, err := h.engine.GetIndex(testPrefix+"/"+testSite, true, true)
	if err != nil || tk == nil {
		t.Fatalf("expected a task, got %v (%v)", tk, err)
	}
	if err := waitTask(t, tk); err != nil {
		t.Fatalf("site load failed: %v", err)
	}
}

func waitTask(t *testing.T, tk *task.Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := tk.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %d did not complete", tk.ID)
	}
	return err
}

type tarFile struct {
	name  string
	body  string
	mode  int64
	mtime int64
}

func buildTGZ(t *testing.T, files []tarFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		mode := f.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     f.name,
			Mode:     mode,
			Size:     int64(len(f.body)),
			ModTime:  time.Unix(f.mtime, 0),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(f.body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func signedBundle(t *testing.T, indexXML string) []byte {
	return buildTGZ(t, []tarFile{
		{name: ".0inst-index.xml", body: indexXML, mtime: 1},
		{name: "keyring.pub", body: "keyring", mtime: 1},
		{name: "index.xml.sig", body: "signature", mtime: 1},
	})
}

func unsignedBundle(t *testing.T, indexXML string) []byte {
	return buildTGZ(t, []tarFile{{name: ".0inst-index.xml", body: indexXML, mtime: 1}})
}

// binArchive 是 bin 目录所属组的归档。
func binArchive(t *testing.T) []byte {
	return buildTGZ(t, []tarFile{
		{name: "tool", body: toolBody, mode: 0o755, mtime: toolMTime},
		{name: "README", body: readBody, mtime: readMTime},
	})
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// member 描述索引中声明的组成员。
type member struct {
	size  int64
	mtime int64
}

// siteIndex 生成包含 bin 组、嵌套目录与符号链接的索引。
func siteIndex(groupSize int, groupMD5 string, tool, readme member) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<d>
  <d name="bin" size="4096" mtime="1041379200">
    <group size="%d" MD5sum="%s">
      <archive href="archives/bin.tgz"/>
      <e name="tool" size="%d" mtime="%d"/>
      <f name="README" size="%d" mtime="%d"/>
    </group>
    <d name="deep" size="4096" mtime="1041379100">
      <f name="leaf" size="1" mtime="1041379000"/>
    </d>
  </d>
  <f name="loose" size="3" mtime="1041379300"/>
  <l name="latest" size="8" mtime="1041379400" target="bin/tool"/>
</d>`, groupSize, groupMD5, tool.size, tool.mtime, readme.size, readme.mtime)
}

func defaultIndex(archive []byte) string {
	return siteIndex(len(archive), md5Hex(archive),
		member{int64(len(toolBody)), toolMTime},
		member{int64(len(readBody)), readMTime})
}

// snapshotTree 记录目录下每个条目的内容，用于比较缓存树是否被改动。
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if d.IsDir() {
			out[rel] = "dir"
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	return out
}

func diffTrees(before, after map[string]string) []string {
	var diffs []string
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			diffs = append(diffs, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			diffs = append(diffs, k)
		}
	}
	sort.Strings(diffs)
	return diffs
}
