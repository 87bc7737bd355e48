package cache

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// 元数据目录及其中的固定文件名。
const (
	MetaDirName       = ".0inst-meta"
	IndexFileName     = "index.xml"
	StagedIndexName   = "index.new"
	BundleFileName    = "index.tgz"
	KeyringFileName   = "keyring.pub"
	SignatureFileName = "index.xml.sig"

	// archiveTempPrefix 用于下载中的归档，stagingPrefix 用于解包暂存目录。
	archiveTempPrefix = ".0inst-tmp-"
	stagingPrefix     = ".0inst-unpack-"
)

var (
	// ErrPathTooLong 表示构造出的路径超过 MaxPathLength。
	ErrPathTooLong = errors.New("path too long")
	// ErrInvalidPath 表示路径不在缓存根目录之下或格式非法。
	ErrInvalidPath = errors.New("invalid cache path")
)

// Layout 负责把 "/<site>/<rel>" 形式的缓存相对路径翻译为磁盘绝对路径。
type Layout struct {
	root    string
	maxPath int
}

// NewLayout 以 root 为根目录构建布局，必要时创建根目录。
func NewLayout(root string, maxPath int) (*Layout, error) {
	if root == "" {
		return nil, errors.New("cache path required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache path: %w", err)
	}

	if maxPath <= 0 {
		maxPath = 4096
	}
	return &Layout{root: abs, maxPath: maxPath}, nil
}

// Root 返回缓存根目录的绝对路径。
func (l *Layout) Root() string {
	return l.root
}

// MaxPathLength 返回允许的最大路径长度。
func (l *Layout) MaxPathLength() int {
	return l.maxPath
}

// SiteOf 返回缓存相对路径的首个分量，即站点主机名。rel 可以带或不带前导 '/'。
func SiteOf(rel string) (string, error) {
	trimmed := strings.TrimPrefix(rel, "/")
	site := trimmed
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		site = trimmed[:idx]
	}
	if site == "" || site == "." || site == ".." {
		return "", fmt.Errorf("%w: no site in %q", ErrInvalidPath, rel)
	}
	return site, nil
}

// Path 返回缓存相对路径对应的绝对路径，拒绝任何跳出根目录的路径。
func (l *Layout) Path(rel string) (string, error) {
	if _, err := SiteOf(rel); err != nil {
		return "", err
	}
	for _, part := range strings.Split(strings.Trim(rel, "/"), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes cache root", ErrInvalidPath, rel)
		}
	}

	clean := path.Clean("/" + rel)
	full := filepath.Join(l.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return l.Check(full)
}

// Check 校验路径长度，返回原路径或 ErrPathTooLong。
func (l *Layout) Check(p string) (string, error) {
	if len(p) >= l.maxPath {
		return "", fmt.Errorf("%w: %d bytes (max %d): %s", ErrPathTooLong, len(p), l.maxPath, p)
	}
	return p, nil
}

// SiteDir 返回站点根目录。
func (l *Layout) SiteDir(site string) (string, error) {
	if err := validateSite(site); err != nil {
		return "", err
	}
	return l.Check(filepath.Join(l.root, site))
}

// MetaDir 返回站点的元数据目录。
func (l *Layout) MetaDir(site string) (string, error) {
	return l.metaFile(site, "")
}

// IndexPath 返回已接受的索引文件路径。
func (l *Layout) IndexPath(site string) (string, error) {
	return l.metaFile(site, IndexFileName)
}

// StagedIndexPath 返回待校验索引的暂存路径。
func (l *Layout) StagedIndexPath(site string) (string, error) {
	return l.metaFile(site, StagedIndexName)
}

// BundlePath 返回下载的签名索引包路径，同时作为索引任务的去重键。
func (l *Layout) BundlePath(site string) (string, error) {
	return l.metaFile(site, BundleFileName)
}

// KeyringPath 返回从索引包中解出的公钥环路径。
func (l *Layout) KeyringPath(site string) (string, error) {
	return l.metaFile(site, KeyringFileName)
}

// SignaturePath 返回从索引包中解出的分离签名路径。
func (l *Layout) SignaturePath(site string) (string, error) {
	return l.metaFile(site, SignatureFileName)
}

func (l *Layout) metaFile(site, name string) (string, error) {
	if err := validateSite(site); err != nil {
		return "", err
	}
	p := filepath.Join(l.root, site, MetaDirName)
	if name != "" {
		p = filepath.Join(p, name)
	}
	return l.Check(p)
}

// ArchiveTempPath 返回 rel 所在目录中归档的下载路径。文件名由组的校验和派生：
// 不同的组不会冲突，同一组的重复下载复用同一路径。
func (l *Layout) ArchiveTempPath(rel, md5 string) (string, error) {
	if err := validateDigest(md5); err != nil {
		return "", err
	}
	full, err := l.Path(rel)
	if err != nil {
		return "", err
	}
	return l.Check(filepath.Join(filepath.Dir(full), archiveTempPrefix+md5))
}

// StagingDir 返回 dir 下某个组专用的解包暂存目录。
func (l *Layout) StagingDir(dir, md5 string) (string, error) {
	if err := validateDigest(md5); err != nil {
		return "", err
	}
	return l.Check(filepath.Join(dir, stagingPrefix+md5))
}

// SiteFromPath 从缓存内的绝对路径反推站点名。
func (l *Layout) SiteFromPath(abs string) (string, error) {
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, abs, l.root)
	}
	return SiteOf(filepath.ToSlash(rel))
}

func validateSite(site string) error {
	if site == "" || site == "." || site == ".." || strings.ContainsRune(site, '/') {
		return fmt.Errorf("%w: bad site %q", ErrInvalidPath, site)
	}
	return nil
}

func validateDigest(md5 string) error {
	if len(md5) != 32 || strings.ContainsAny(md5, `/\`) {
		return fmt.Errorf("%w: bad group checksum %q", ErrInvalidPath, md5)
	}
	return nil
}
