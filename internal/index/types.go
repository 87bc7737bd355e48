package index

import (
	"errors"
	"iter"
	"strings"
)

// ErrMalformed 表示索引内容不符合约定的结构（解析失败）。
var ErrMalformed = errors.New("malformed index")

// Kind 是索引条目的封闭类型集合。
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
	KindExecutable
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindExecutable:
		return "executable"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Item 是索引树中的一个节点。MTime 为 UTC 秒级时间戳。
type Item struct {
	Kind   Kind
	Name   string
	Size   int64
	MTime  int64
	Target string     // 仅 KindSymlink
	Dir    *Directory // 仅 KindDirectory
	Group  *Group     // 所属组；不属于任何组时为 nil
}

// IsRegular 表示条目是否为普通文件或可执行文件。
func (it *Item) IsRegular() bool {
	return it.Kind == KindFile || it.Kind == KindExecutable
}

// Directory 持有按文档顺序排列的子条目（包含组内成员）以及组列表。
type Directory struct {
	Items  []*Item
	Groups []*Group
}

// Children 按文档顺序遍历直接子条目。
func (d *Directory) Children() iter.Seq[*Item] {
	return func(yield func(*Item) bool) {
		if d == nil {
			return
		}
		for _, it := range d.Items {
			if !yield(it) {
				return
			}
		}
	}
}

// Subdirs 只遍历子目录。
func (d *Directory) Subdirs() iter.Seq[*Item] {
	return func(yield func(*Item) bool) {
		for it := range d.Children() {
			if it.Kind != KindDirectory {
				continue
			}
			if !yield(it) {
				return
			}
		}
	}
}

// Child 按名称查找直接子条目。
func (d *Directory) Child(name string) *Item {
	for it := range d.Children() {
		if it.Name == name {
			return it
		}
	}
	return nil
}

// Group 是一次远程获取的单元：一个或多个归档来源，以及解包后必须出现的文件。
type Group struct {
	Size     int64
	MD5      string
	Archives []*Archive
	Items    []*Item
}

// Archive 是组的一个下载来源，Href 通常相对站点根。
type Archive struct {
	Href  string
	Group *Group
}

// Index 是一个站点已解析的索引，解析完成后只读，可并发共享。
type Index struct {
	Site string
	Path string
	Root *Directory
}

// Lookup 将站点内相对路径（如 "bin/tool"）解析为条目；空路径返回 nil, true 表示根目录。
func (ix *Index) Lookup(rel string) (*Item, bool) {
	dir := ix.Root
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil, true
	}
	var cur *Item
	for i, part := range parts {
		if dir == nil {
			return nil, false
		}
		cur = dir.Child(part)
		if cur == nil {
			return nil, false
		}
		if i < len(parts)-1 {
			if cur.Kind != KindDirectory {
				return nil, false
			}
			dir = cur.Dir
		}
	}
	return cur, true
}
