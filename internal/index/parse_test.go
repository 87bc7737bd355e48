package index

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleIndex = `<?xml version="1.0"?>
<d>
  <d name="bin" size="4096" mtime="1041379200">
    <group size="1000" MD5sum="0123456789ABCDEF0123456789ABCDEF">
      <archive href="archives/bin.tgz"/>
      <e name="tool" size="120" mtime="1041379201"/>
      <f name="README" size="10" mtime="1041379202"/>
    </group>
    <l name="latest" size="4" mtime="1041379203" target="tool"/>
  </d>
  <f name="index.html" size="55" mtime="1041379204"/>
</d>`

func TestParseSample(t *testing.T) {
	ix, err := Parse(strings.NewReader(sampleIndex), true, "example.org")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ix.Site != "example.org" {
		t.Fatalf("unexpected site %q", ix.Site)
	}
	if len(ix.Root.Items) != 2 {
		t.Fatalf("expected 2 root items, got %d", len(ix.Root.Items))
	}

	bin := ix.Root.Child("bin")
	if bin == nil || bin.Kind != KindDirectory {
		t.Fatalf("bin should be a directory, got %+v", bin)
	}
	var names []string
	for it := range bin.Dir.Children() {
		names = append(names, it.Name)
	}
	if strings.Join(names, ",") != "tool,README,latest" {
		t.Fatalf("children out of document order: %v", names)
	}

	if len(bin.Dir.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(bin.Dir.Groups))
	}
	g := bin.Dir.Groups[0]
	if g.MD5 != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("checksum should be normalised to lower case, got %s", g.MD5)
	}
	if g.Size != 1000 || len(g.Archives) != 1 || g.Archives[0].Group != g {
		t.Fatalf("unexpected group %+v", g)
	}
	tool := bin.Dir.Child("tool")
	if tool.Kind != KindExecutable || tool.Group != g || tool.Size != 120 || tool.MTime != 1041379201 {
		t.Fatalf("unexpected tool item %+v", tool)
	}
	if link := bin.Dir.Child("latest"); link.Kind != KindSymlink || link.Target != "tool" || link.Group != nil {
		t.Fatalf("unexpected symlink %+v", link)
	}
}

func TestSubdirsSkipsFiles(t *testing.T) {
	ix, err := Parse(strings.NewReader(sampleIndex), true, "example.org")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	count := 0
	for it := range ix.Root.Subdirs() {
		if it.Kind != KindDirectory {
			t.Fatalf("Subdirs yielded %s", it.Kind)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected one subdirectory, got %d", count)
	}
}

func TestLookup(t *testing.T) {
	ix, err := Parse(strings.NewReader(sampleIndex), true, "example.org")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if it, ok := ix.Lookup("bin/tool"); !ok || it.Name != "tool" {
		t.Fatalf("lookup bin/tool failed: %+v %v", it, ok)
	}
	if it, ok := ix.Lookup(""); !ok || it != nil {
		t.Fatalf("root lookup should return nil, true")
	}
	if _, ok := ix.Lookup("index.html/x"); ok {
		t.Fatalf("lookup through a file should fail")
	}
	if _, ok := ix.Lookup("bin/missing"); ok {
		t.Fatalf("missing entry should not resolve")
	}
}

func TestParseVerifyRejects(t *testing.T) {
	cases := map[string]string{
		"slash in name":   `<d><f name="a/b" size="1" mtime="1"/></d>`,
		"dot dot":         `<d><d name=".." size="1" mtime="1"/></d>`,
		"duplicate":       `<d><f name="a" size="1" mtime="1"/><f name="a" size="1" mtime="1"/></d>`,
		"bad md5":         `<d><group size="1" MD5sum="zz"><archive href="a.tgz"/></group></d>`,
		"no archive":      `<d><group size="1" MD5sum="0123456789abcdef0123456789abcdef"><f name="a" size="1" mtime="1"/></group></d>`,
		"symlink target":  `<d><l name="a" size="1" mtime="1"/></d>`,
		"negative size":   `<d><f name="a" size="-1" mtime="1"/></d>`,
		"unknown element": `<d><x name="a"/></d>`,
		"dir in group":    `<d><group size="1" MD5sum="0123456789abcdef0123456789abcdef"><archive href="a"/><d name="x" size="1" mtime="1"/></group></d>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(doc), true, "example.org"); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseWithoutVerifyIsLenient(t *testing.T) {
	doc := `<d><x/><f name="a" size="1" mtime="2"/></d>`
	ix, err := Parse(strings.NewReader(doc), false, "example.org")
	if err != nil {
		t.Fatalf("unverified parse should ignore unknown elements: %v", err)
	}
	if len(ix.Root.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(ix.Root.Items))
	}

	if _, err := Parse(strings.NewReader(`<d><f name="a" size="x" mtime="2"/></d>`), false, "example.org"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad numbers are always malformed, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, doc := range []string{"", "not xml", `<index/>`} {
		if _, err := Parse(strings.NewReader(doc), false, "example.org"); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", doc, err)
		}
	}
}

func TestParseFileRecordsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.xml")
	if err := os.WriteFile(path, []byte(sampleIndex), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	ix, err := ParseFile(path, false, "example.org")
	if err != nil {
		t.Fatalf("parse file error: %v", err)
	}
	if ix.Path != path {
		t.Fatalf("expected path %s, got %s", path, ix.Path)
	}
}
