// =============================================================================
// DAGFlow 主入口
// =============================================================================
// 工作流编排服务入口，子命令通过命令表分发
//
// 使用方法:
//
//	dagflow serve --config config.yaml  # 启动服务
//	dagflow migrate up                  # 运行数据库迁移
//	dagflow config env                  # 列出环境变量覆盖项
//	dagflow config check --strict       # 校验配置文件
//	dagflow health --ready              # 探测就绪状态
// =============================================================================

// @title DAGFlow API
// @version 1.0.0
// @description DAGFlow orchestrates DAG workflows of task and agent steps.
// @description
// @description ## Features
// @description - Workflow definitions in JSON or YAML with validation and layering
// @description - Parallel step execution with retries, timeouts and conditional branches
// @description - Human approval gates
// @description - Execution event streams over WebSocket

// @contact.name DAGFlow Team
// @contact.url https://github.com/BaSui01/dagflow

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// envPrefix 进程读取的环境变量前缀
const envPrefix = "DAGFLOW"

// errUsage 参数错误，调用方打印帮助而不是错误详情
var errUsage = errors.New("invalid usage")

// command 一个子命令
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

func commands() []command {
	return []command{
		{"serve", "Start the DAGFlow server", serve},
		{"migrate", "Database migration commands", migrate},
		{"config", "Inspect and validate configuration", configCmd},
		{"health", "Check server health or readiness", health},
		{"version", "Show version information", func(_ context.Context, _ []string, out io.Writer) error {
			printVersion(out)
			return nil
		}},
	}
}

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 分发子命令并返回进程退出码
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(stdout)
		return 0
	}

	for _, c := range commands() {
		if c.name != name {
			continue
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err := c.run(ctx, args[1:], stdout)
		switch {
		case err == nil, errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, errUsage):
			fmt.Fprintf(stderr, "%s: %v\n\n", name, err)
			if name == "migrate" {
				printMigrateUsage(stderr)
			} else {
				printUsage(stderr)
			}
		default:
			fmt.Fprintf(stderr, "%s failed: %v\n", name, err)
		}
		return 1
	}

	fmt.Fprintf(stderr, "Unknown command: %s\n\n", name)
	printUsage(stderr)
	return 1
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func serve(ctx context.Context, args []string, _ io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Starting DAGFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	if err := NewServer(cfg, *configPath, logger, level).Run(ctx); err != nil {
		logger.Error("DAGFlow exited with error", zap.Error(err))
		return err
	}
	logger.Info("DAGFlow stopped")
	return nil
}

// loadConfig 加载并校验配置：默认值 → YAML 文件 → DAGFLOW_* 环境变量
func loadConfig(path string, strict bool) (*config.Config, error) {
	loader := config.NewLoader().WithEnvPrefix(envPrefix)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	if strict {
		loader = loader.WithStrictYAML()
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ⚙️ config 命令
// =============================================================================

func configCmd(_ context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: expected a subcommand (env, check)", errUsage)
	}

	switch args[0] {
	case "env":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VARIABLE\tTYPE\tYAML PATH")
		for _, v := range config.EnvVars(envPrefix) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", v.Key, v.Type, v.Path)
		}
		return w.Flush()

	case "check":
		fs := flag.NewFlagSet("config check", flag.ContinueOnError)
		configPath := fs.String("config", "", "Path to config file")
		strict := fs.Bool("strict", false, "Reject unknown YAML keys")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := loadConfig(*configPath, *strict)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Config OK (store=%s, http=:%d, metrics=:%d)\n",
			cfg.Store.Driver, cfg.Server.HTTPPort, cfg.Server.MetricsPort)
		return nil

	default:
		return fmt.Errorf("%w: unknown config subcommand %q", errUsage, args[0])
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func health(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	caFile := fs.String("ca", "", "CA certificate for an HTTPS server")
	ready := fs.Bool("ready", false, "Probe /ready instead of /health")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/ready"
	}
	if err := probe(ctx, strings.TrimRight(*addr, "/")+path, *caFile, *timeout); err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// probe 请求探针地址，非 200 视为失败
func probe(ctx context.Context, url, caFile string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	if caFile != "" {
		c, err := tlsutil.NewHTTPClientWithCA(timeout, caFile)
		if err != nil {
			return err
		}
		client = c
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "DAGFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, "DAGFlow - DAG workflow orchestration\n\nUsage:\n  dagflow <command> [options]\n\nCommands:\n")
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	for _, c := range commands() {
		fmt.Fprintf(w, "  %s\t%s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "  help\tShow this help message\n")
	_ = w.Flush()

	fmt.Fprint(out, `
Options for 'serve':
  --config <path>      Path to configuration file (YAML)

Subcommands of 'config':
  env                  List DAGFLOW_* environment overrides
  check --config <p>   Load and validate a config file (--strict rejects unknown keys)

Options for 'health':
  --addr <url>         Server address (default http://localhost:8080)
  --ca <path>          CA certificate when the server uses TLS
  --ready              Probe /ready instead of /health
  --timeout <d>        Request timeout (default 5s)

Examples:
  dagflow serve --config /etc/dagflow/config.yaml
  dagflow migrate up
  dagflow config check --config config.yaml --strict
  dagflow health --addr https://localhost:8080 --ca ca.pem --ready
`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// newLogger 构建进程 logger，返回的 AtomicLevel 供配置热更新调整级别
func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc.Development = true
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.Sampling = nil
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace

	logger, err := zc.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}
