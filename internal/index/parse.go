package index

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// node 是未加类型的 XML 元素树，转换阶段再映射为 Item/Group。
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []node     `xml:",any"`
}

func (n node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseFile 解析磁盘上的索引文件。verify 为 true 时额外执行语义校验，
// 新下载的索引必须开启；已接受的索引在写入前已校验过，可关闭。
func ParseFile(path string, verify bool, site string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ix, err := Parse(f, verify, site)
	if err != nil {
		return nil, err
	}
	ix.Path = path
	return ix, nil
}

// Parse 从 r 读取索引。所有结构错误都包装 ErrMalformed。
func Parse(r io.Reader, verify bool, site string) (*Index, error) {
	var root node
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root.XMLName.Local != "d" {
		return nil, fmt.Errorf("%w: root element is <%s>, want <d>", ErrMalformed, root.XMLName.Local)
	}

	p := parser{verify: verify}
	dir, err := p.directory(root, "/"+site)
	if err != nil {
		return nil, err
	}
	return &Index{Site: site, Root: dir}, nil
}

type parser struct {
	verify bool
}

func (p parser) directory(n node, where string) (*Directory, error) {
	dir := &Directory{}
	seen := map[string]struct{}{}

	add := func(it *Item) error {
		if p.verify {
			if _, dup := seen[it.Name]; dup {
				return malformed(where, "duplicate entry %q", it.Name)
			}
			seen[it.Name] = struct{}{}
		}
		dir.Items = append(dir.Items, it)
		return nil
	}

	for _, child := range n.Children {
		switch child.XMLName.Local {
		case "d", "f", "e", "l":
			it, err := p.item(child, where)
			if err != nil {
				return nil, err
			}
			if err := add(it); err != nil {
				return nil, err
			}
		case "group":
			g, err := p.group(child, where)
			if err != nil {
				return nil, err
			}
			for _, it := range g.Items {
				if err := add(it); err != nil {
					return nil, err
				}
			}
			dir.Groups = append(dir.Groups, g)
		default:
			if p.verify {
				return nil, malformed(where, "unexpected element <%s>", child.XMLName.Local)
			}
		}
	}
	return dir, nil
}

func (p parser) item(n node, where string) (*Item, error) {
	it := &Item{}
	switch n.XMLName.Local {
	case "d":
		it.Kind = KindDirectory
	case "f":
		it.Kind = KindFile
	case "e":
		it.Kind = KindExecutable
	case "l":
		it.Kind = KindSymlink
	}

	name, ok := n.attr("name")
	if !ok {
		return nil, malformed(where, "<%s> without name", n.XMLName.Local)
	}
	it.Name = name
	if p.verify {
		if err := checkName(name); err != nil {
			return nil, malformed(where, "%v", err)
		}
	}

	var err error
	if it.Size, err = p.number(n, "size", where); err != nil {
		return nil, err
	}
	if it.MTime, err = p.number(n, "mtime", where); err != nil {
		return nil, err
	}

	switch it.Kind {
	case KindSymlink:
		it.Target, _ = n.attr("target")
		if p.verify && it.Target == "" {
			return nil, malformed(where, "symlink %q without target", name)
		}
	case KindDirectory:
		if it.Dir, err = p.directory(n, where+"/"+name); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (p parser) group(n node, where string) (*Group, error) {
	g := &Group{}
	var err error
	if g.Size, err = p.number(n, "size", where); err != nil {
		return nil, err
	}
	g.MD5, _ = n.attr("MD5sum")
	g.MD5 = strings.ToLower(g.MD5)
	if p.verify && !validMD5(g.MD5) {
		return nil, malformed(where, "group has bad MD5sum %q", g.MD5)
	}

	for _, child := range n.Children {
		switch child.XMLName.Local {
		case "archive":
			href, _ := child.attr("href")
			if p.verify && strings.TrimSpace(href) == "" {
				return nil, malformed(where, "archive without href")
			}
			g.Archives = append(g.Archives, &Archive{Href: href, Group: g})
		case "f", "e":
			it, err := p.item(child, where)
			if err != nil {
				return nil, err
			}
			it.Group = g
			g.Items = append(g.Items, it)
		default:
			if p.verify {
				return nil, malformed(where, "unexpected element <%s> in group", child.XMLName.Local)
			}
		}
	}
	if p.verify && len(g.Archives) == 0 {
		return nil, malformed(where, "group without archive")
	}
	return g, nil
}

func (p parser) number(n node, attr, where string) (int64, error) {
	raw, ok := n.attr(attr)
	if !ok {
		return 0, malformed(where, "<%s> missing %s", n.XMLName.Local, attr)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, malformed(where, "<%s> bad %s %q", n.XMLName.Local, attr, raw)
	}
	if p.verify && v < 0 {
		return 0, malformed(where, "<%s> negative %s", n.XMLName.Local, attr)
	}
	return v, nil
}

func checkName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains a path separator", name)
	}
	return nil
}

func validMD5(sum string) bool {
	if len(sum) != 32 {
		return false
	}
	_, err := hex.DecodeString(sum)
	return err == nil
}

func malformed(where, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, where, fmt.Sprintf(format, args...))
}
