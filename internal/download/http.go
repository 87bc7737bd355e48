package download

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// 共享的 HTTP 传输层参数，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// HTTPFetcher 在进程内用 go-retryablehttp 完成下载，重试次数取自 Request.Tries。
type HTTPFetcher struct {
	client *http.Client
	logger *logrus.Logger

	// RetryWaitMin/RetryWaitMax 控制重试退避区间，零值沿用 retryablehttp 默认值。
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// NewHTTPFetcher 构造下载器；timeout 约束单次尝试的总耗时。
func NewHTTPFetcher(timeout time.Duration, logger *logrus.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		logger: logger,
	}
}

// Start 创建目标目录并在后台开始下载；数据先写入 Dest 的 .part 兄弟文件，
// 完整收到后才 rename 到 Dest。
func (f *HTTPFetcher) Start(ctx context.Context, req Request) (*Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", req.Dest, err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URI, err)
	}
	if req.NoCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	client := f.retryClient(req.tries())
	return Go(func() error {
		return f.fetch(client, httpReq, req.Dest)
	}), nil
}

func (f *HTTPFetcher) retryClient(tries int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = f.client
	rc.RetryMax = tries - 1
	if f.RetryWaitMin > 0 {
		rc.RetryWaitMin = f.RetryWaitMin
	}
	if f.RetryWaitMax > 0 {
		rc.RetryWaitMax = f.RetryWaitMax
	}
	if f.logger != nil {
		rc.Logger = leveledLogger{entry: logrus.NewEntry(f.logger)}
	} else {
		rc.Logger = nil
	}
	return rc
}

func (f *HTTPFetcher) fetch(client *retryablehttp.Client, req *retryablehttp.Request, dest string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("get %s: unexpected status %s", req.URL, resp.Status)
	}

	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	buf := bufio.NewWriter(out)
	_, err = io.Copy(buf, resp.Body)
	if err == nil {
		err = buf.Flush()
	}
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("download %s: %w", req.URL, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("rename %s: %w", dest, err)
	}
	return nil
}

// leveledLogger 把 retryablehttp 的键值日志转给 logrus；重试细节只在 debug 级别可见。
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }

func (l leveledLogger) with(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{"action": "download"}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
