package fetch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/download"
	"github.com/any-hub/zero-fetch/internal/index"
	"github.com/any-hub/zero-fetch/internal/task"
	"github.com/any-hub/zero-fetch/internal/unpack"
	"github.com/any-hub/zero-fetch/internal/verify"
)

const (
	siteIndexURI = "http://%s/.0inst-index.tgz"
	// bundleIndexMember 是索引包中清单文件的成员名。
	bundleIndexMember = ".0inst-index.xml"
)

// FetchSiteIndex 为 rel 所属站点启动（或合并到）一次索引下载。
// useCache 为 false 时要求下载绕过中间缓存。
func (e *Engine) FetchSiteIndex(rel string, useCache bool) (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchSiteIndex(rel, useCache)
}

func (e *Engine) fetchSiteIndex(rel string, useCache bool) (*task.Task, error) {
	site, err := cache.SiteOf(rel)
	if err != nil {
		return nil, err
	}
	bundle, err := e.layout.BundlePath(site)
	if err != nil {
		return nil, err
	}
	if t := e.registry.Find(task.IndexFetch, bundle); t != nil {
		return e.merged(t), nil
	}

	siteDir, err := e.layout.SiteDir(site)
	if err != nil {
		return nil, err
	}
	if err := cache.EnsureDir(siteDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	t := e.registry.Create(task.Spec{
		Kind:   task.IndexFetch,
		Target: bundle,
		Site:   site,
		Rel:    rel,
		Step:   e.gotSiteIndex,
	})

	req := download.Request{
		URI:     fmt.Sprintf(siteIndexURI, site),
		Dest:    bundle,
		Tries:   e.tries,
		NoCache: !useCache,
	}
	if err := e.start(t, req); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) gotSiteIndex(t *task.Task, procErr error) error {
	if procErr != nil {
		return fmt.Errorf("%w: fetch index for %s: %w", ErrSubprocess, t.Site, procErr)
	}
	ix, err := e.unpackSiteIndex(t)
	if err != nil {
		return err
	}
	t.SetIndex(ix)
	return nil
}

// unpackSiteIndex 校验并提交已下载的索引包。提交（rename 到 index.xml）之前的
// 任何失败都不会影响先前接受的索引。
func (e *Engine) unpackSiteIndex(t *task.Task) (*index.Index, error) {
	site := t.Site
	log := e.taskLogger(t).WithField("site", site)

	meta, err := e.layout.MetaDir(site)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(meta, 0o700); err != nil {
		log.WithError(err).Warn("meta_chmod_failed")
	}

	bundle := t.Target
	staged, err := e.layout.StagedIndexPath(site)
	if err != nil {
		return nil, err
	}
	accepted, err := e.layout.IndexPath(site)
	if err != nil {
		return nil, err
	}

	if err := unpack.ExtractMember(bundle, bundleIndexMember, staged); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("%w: extract %s: %w", ErrParse, bundleIndexMember, err)
	}

	if err := e.checkSignature(t, staged, log); err != nil {
		os.Remove(staged)
		return nil, err
	}

	ix, err := index.ParseFile(staged, true, site)
	if err != nil {
		log.WithError(err).Error("index_rejected")
		os.Remove(staged)
		return nil, err
	}

	if err := os.Rename(staged, accepted); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("%w: commit index: %w", ErrFilesystem, err)
	}
	ix.Path = accepted

	siteDir, err := e.layout.SiteDir(site)
	if err != nil {
		return nil, err
	}
	stats, err := e.builder.Build(ix.Root, siteDir)
	if err != nil {
		if errors.Is(err, ErrPathTooLong) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	entry := log.WithField("directories", stats.Directories)
	if stats.Failures != nil {
		entry.WithError(stats.Failures).Warn("site_index_partially_materialized")
	} else {
		entry.Info("site_index_accepted")
	}
	return ix, nil
}

// checkSignature 解出公钥环与分离签名并交给校验器。两者都缺失时视为旧式未签名包，
// 只有关闭 RequireSignature 才放行；只缺其一一律拒绝。
func (e *Engine) checkSignature(t *task.Task, staged string, log *logrus.Entry) error {
	site, bundle := t.Site, t.Target
	keyring, err := e.layout.KeyringPath(site)
	if err != nil {
		return err
	}
	sigPath, err := e.layout.SignaturePath(site)
	if err != nil {
		return err
	}

	// 旧包留下的公钥与签名不能被新包复用
	for _, p := range []string{keyring, sigPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
	}
	haveKey, err := extractOptional(bundle, cache.KeyringFileName, keyring)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTrust, err)
	}
	haveSig, err := extractOptional(bundle, cache.SignatureFileName, sigPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTrust, err)
	}

	switch {
	case !haveKey && !haveSig:
		if e.requireSignature {
			log.Error("bundle_unsigned")
			return fmt.Errorf("%w: bundle for %s carries no signature", ErrTrust, site)
		}
		log.Warn("bundle_unsigned_accepted")
		return nil
	case haveKey != haveSig:
		log.WithFields(logrus.Fields{"keyring": haveKey, "signature": haveSig}).Error("bundle_signature_incomplete")
		return fmt.Errorf("%w: bundle for %s has an incomplete signature", ErrTrust, site)
	}

	verdict, err := e.verifier.Verify(e.ctx, site, verify.Signature{
		Keyring:   keyring,
		Signature: sigPath,
		Signed:    staged,
	})
	if err != nil {
		log.WithError(err).Error("signature_check_failed")
		return fmt.Errorf("%w: %w", ErrTrust, err)
	}
	if verdict.Trust != verify.TrustTrusted {
		log.WithFields(logrus.Fields{"trust": verdict.Trust.String(), "signer": verdict.Signer}).Error("signature_not_trusted")
		return fmt.Errorf("%w: %s signature for %s", ErrTrust, verdict.Trust, site)
	}
	log.WithField("signer", verdict.Signer).Debug("signature_trusted")
	return nil
}

func extractOptional(bundle, member, dest string) (bool, error) {
	err := unpack.ExtractMember(bundle, member, dest)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unpack.ErrMemberNotFound):
		return false, nil
	default:
		return false, err
	}
}
