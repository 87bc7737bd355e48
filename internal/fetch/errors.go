package fetch

import (
	"errors"
	"fmt"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/index"
)

// 任务失败的分类，调用方用 errors.Is 判断。
var (
	ErrSpawn            = errors.New("download could not be started")
	ErrSubprocess       = errors.New("subprocess failed")
	ErrTrust            = errors.New("signature not trusted")
	ErrParse            = index.ErrMalformed
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMemberMismatch   = errors.New("archive member mismatch")
	ErrPathTooLong      = cache.ErrPathTooLong
	ErrFilesystem       = errors.New("filesystem failure")
	ErrInvalidInput     = cache.ErrInvalidPath
	ErrNoIndex          = errors.New("site index not cached")
)

// MismatchError 描述一次校验失败的具体差异，Unwrap 返回对应的哨兵错误。
type MismatchError struct {
	Err  error
	What string
	Path string
	Want interface{}
	Got  interface{}
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s %s: expected %v, got %v", e.Err, e.Path, e.What, e.Want, e.Got)
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Reason 把错误归类为指标标签；无法归类时返回空串。
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTrust):
		return "trust"
	case errors.Is(err, ErrSizeMismatch):
		return "size"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrMemberMismatch):
		return "member"
	case errors.Is(err, ErrParse):
		return "parse"
	default:
		return ""
	}
}
