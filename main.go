package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/zero-fetch/internal/cache"
	"github.com/any-hub/zero-fetch/internal/config"
	"github.com/any-hub/zero-fetch/internal/download"
	"github.com/any-hub/zero-fetch/internal/fetch"
	"github.com/any-hub/zero-fetch/internal/logging"
	"github.com/any-hub/zero-fetch/internal/server"
	"github.com/any-hub/zero-fetch/internal/server/routes"
	"github.com/any-hub/zero-fetch/internal/task"
	"github.com/any-hub/zero-fetch/internal/unpack"
	"github.com/any-hub/zero-fetch/internal/verify"
	"github.com/any-hub/zero-fetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	refreshPath string
	since       string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	since, err := parseSince(opts.since)
	if err != nil {
		fmt.Fprintf(stdErr, "参数无效: %v\n", err)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["cache_path"] = cfg.Global.CachePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 缓存布局 → 获取引擎 → 反应器/控制接口”，
	// 所有入口共享同一个任务注册表。
	engine, err := buildEngine(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化获取引擎失败: %v\n", err)
		return 1
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.refreshPath != "" {
		return runRefresh(ctx, engine, logger, opts.refreshPath, since)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_path"] = cfg.Global.CachePath
	fields["downloader"] = cfg.Global.Downloader
	fields["unpacker"] = cfg.Global.Unpacker
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, cfg, engine, logger); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("zero-fetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts cliOptions
	var configFlag string

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ZERO_FETCH_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.StringVar(&opts.refreshPath, "refresh", "", "强制刷新该路径所属站点的索引后退出")
	fs.StringVar(&opts.since, "since", "", "与 -refresh 配合：仅当索引早于 YYYY-MM-DD[,HH:MM]（UTC）时刷新")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if opts.since != "" && opts.refreshPath == "" {
		return cliOptions{}, errors.New("-since 需要与 -refresh 一起使用")
	}

	path := os.Getenv("ZERO_FETCH_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}

// buildEngine 按配置选择下载与解包后端，并组装获取引擎。
func buildEngine(cfg *config.Config, logger *logrus.Logger) (*fetch.Engine, error) {
	layout, err := cache.NewLayout(cfg.Global.CachePath, cfg.Global.MaxPathLength)
	if err != nil {
		return nil, err
	}

	var fetcher download.Fetcher
	switch cfg.Global.Downloader {
	case config.DownloaderWget:
		fetcher = download.NewCommandFetcher(cfg.Global.WgetPath, logger)
	default:
		fetcher = download.NewHTTPFetcher(cfg.Global.DownloadTimeout.DurationValue(), logger)
	}

	var unpacker unpack.Unpacker = unpack.Native{}
	if cfg.Global.Unpacker == config.UnpackerTar {
		unpacker = unpack.Command{Path: cfg.Global.TarPath}
	}

	return fetch.New(fetch.Options{
		Layout:           layout,
		Registry:         task.NewRegistry(logger),
		Fetcher:          fetcher,
		Unpacker:         unpacker,
		Verifier:         verify.NewKeyringVerifier(cfg.TrustStore()),
		Logger:           logger,
		MountPrefix:      cfg.Global.MountPrefix,
		Tries:            cfg.Global.DownloadTries,
		RequireSignature: cfg.Global.RequireSignature,
	})
}

// serve 在同一个 errgroup 中运行反应器与控制接口，任一退出即整体退出。
func serve(ctx context.Context, cfg *config.Config, engine *fetch.Engine, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Engine:     engine,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterFetchRoutes(app, engine, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port))
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.Shutdown()
	})
	return g.Wait()
}
