package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/config"
	"github.com/mirror-cache/mirror-cache/internal/logging"
	"github.com/mirror-cache/mirror-cache/internal/proxy"
	"github.com/mirror-cache/mirror-cache/internal/runtime"
	"github.com/mirror-cache/mirror-cache/internal/server"
	"github.com/mirror-cache/mirror-cache/internal/version"
)

// 退出码约定：0 正常关停，1 配置加载/校验失败，2 端口绑定失败。
const (
	exitOK         = 0
	exitConfigErr  = 1
	exitBindFailed = 2
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(exitConfigErr)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		fmt.Fprintln(stdOut, version.Full())
		return exitOK
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return exitConfigErr
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return exitConfigErr
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["rules"] = len(cfg.Rules)
		fields["policies"] = len(cfg.Policies)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return exitOK
	}

	// 启动顺序：配置 → 对象图快照 → 指标服务 → Fiber server，
	// 保证所有请求共享同一份路由与策略实例。
	rt, err := runtime.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建运行时失败: %v\n", err)
		return exitConfigErr
	}
	defer rt.Close()

	if cfg.Global.HotReload {
		if err := watchConfig(opts.configPath, rt, logger); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("hot_reload", opts.configPath)).
				Warn("配置监听启动失败")
		}
	}

	httpClient := server.NewUpstreamClient()
	handler := proxy.NewHandler(rt, httpClient, logger, cfg.Global.UpstreamTimeout.DurationValue())

	fields := logging.BaseFields("startup", opts.configPath)
	fields["rules"] = len(cfg.Rules)
	fields["policies"] = len(cfg.Policies)
	fields["port"] = cfg.Global.Port
	fields["metrics_port"] = cfg.Global.MetricsPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	metricsSrv := server.StartMetrics(cfg.Global.MetricsPort, logger)
	defer metricsSrv.Close()

	if err := startHTTPServer(cfg, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return exitBindFailed
	}
	return exitOK
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("mirror-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.yml，可被 MIRROR_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MIRROR_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.yml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// watchConfig 注册热更新回调：新配置通过 Runtime.Reload 整体换快照。
func watchConfig(path string, rt *runtime.Runtime, logger *logrus.Logger) error {
	return config.Watch(path,
		func(cfg *config.Config) {
			if err := rt.Reload(cfg); err != nil {
				logger.WithError(err).WithFields(logging.BaseFields("hot_reload", path)).
					Error("快照重建失败，沿用旧配置")
			}
		},
		func(err error) {
			logger.WithError(err).WithFields(logging.BaseFields("hot_reload", path)).
				Warn("配置变更解析失败，沿用旧配置")
		},
	)
}

func startHTTPServer(cfg *config.Config, handler server.ProxyHandler, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.Port,
	})
	if err != nil {
		return err
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		received := <-sig
		logger.WithFields(logrus.Fields{
			"action": "shutdown",
			"signal": received.String(),
		}).Info("收到退出信号")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.Port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Global.Port))
}
