package ddd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/any-hub/zero-fetch/internal/index"
)

const (
	// Header 是描述文件的魔数行。
	Header = "LazyFS\n"
	// FileName 是规范名称，TempName 是写入中的临时名称，二者位于同一目录。
	FileName = "..."
	TempName = "...."
)

// ErrBadDescriptor 表示描述文件无法解码。
var ErrBadDescriptor = errors.New("bad directory descriptor")

// Entry 是描述文件中的一条记录。
type Entry struct {
	Type   byte   `json:"type"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"`
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
}

// TypeChar 把条目类型映射为单字符标记。
func TypeChar(k index.Kind) byte {
	switch k {
	case index.KindDirectory:
		return 'd'
	case index.KindExecutable:
		return 'x'
	case index.KindSymlink:
		return 'l'
	default:
		return 'f'
	}
}

// Encode 写出 dir 的直接子条目，按文档顺序。
func Encode(w io.Writer, dir *index.Directory) error {
	if _, err := io.WriteString(w, Header); err != nil {
		return err
	}
	for it := range dir.Children() {
		if _, err := fmt.Fprintf(w, "%c %d %d %s\x00", TypeChar(it.Kind), it.Size, it.MTime, it.Name); err != nil {
			return err
		}
		if it.Kind == index.KindSymlink {
			if _, err := fmt.Fprintf(w, "%s\x00", it.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode 读取描述文件内容。
func Decode(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(Header))
	if _, err := io.ReadFull(br, head); err != nil || string(head) != Header {
		return nil, fmt.Errorf("%w: missing header", ErrBadDescriptor)
	}

	var entries []Entry
	for {
		rec, err := br.ReadBytes(0)
		if err == io.EOF && len(rec) == 0 {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: truncated record", ErrBadDescriptor)
		}
		e, err := parseRecord(rec[:len(rec)-1])
		if err != nil {
			return nil, err
		}
		if e.Type == 'l' {
			target, err := br.ReadBytes(0)
			if err != nil {
				return nil, fmt.Errorf("%w: symlink %q without target", ErrBadDescriptor, e.Name)
			}
			e.Target = string(target[:len(target)-1])
		}
		entries = append(entries, e)
	}
}

// ReadFile 读取目录 dir 中的规范描述文件。
func ReadFile(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func parseRecord(rec []byte) (Entry, error) {
	fields := bytes.SplitN(rec, []byte{' '}, 4)
	if len(fields) != 4 || len(fields[0]) != 1 {
		return Entry{}, fmt.Errorf("%w: record %q", ErrBadDescriptor, rec)
	}
	e := Entry{Type: fields[0][0], Name: string(fields[3])}
	switch e.Type {
	case 'd', 'x', 'f', 'l':
	default:
		return Entry{}, fmt.Errorf("%w: unknown type %q", ErrBadDescriptor, e.Type)
	}
	var err error
	if e.Size, err = strconv.ParseInt(string(fields[1]), 10, 64); err != nil {
		return Entry{}, fmt.Errorf("%w: size %q", ErrBadDescriptor, fields[1])
	}
	if e.MTime, err = strconv.ParseInt(string(fields[2]), 10, 64); err != nil {
		return Entry{}, fmt.Errorf("%w: mtime %q", ErrBadDescriptor, fields[2])
	}
	return e, nil
}
