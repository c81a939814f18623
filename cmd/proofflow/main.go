// =============================================================================
// ProofFlow 主入口
// =============================================================================
// 证明计算编排引擎的可执行入口
//
// 使用方法:
//
//	proofflow serve   --config proofflow.yaml   # REST API（提交作业、上传制品、查询状态）
//	proofflow agent   --config proofflow.yaml   # 调度工作者（可附带远程任务消费者）
//	proofflow hub     --config proofflow.yaml   # 内存协调端（远程任务通道服务端）
//	proofflow migrate up                        # 运行数据库迁移
//	proofflow submit  --image guest.elf --input input.bin
//	proofflow health  --addr http://localhost:8080
//	proofflow version
// =============================================================================

// @title ProofFlow API
// @version 1.0.0
// @description ProofFlow schedules proving jobs as task graphs over a shared queue.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/proofflow/config"
	"github.com/BaSui01/proofflow/internal/telemetry"
	"github.com/BaSui01/proofflow/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	case "hub":
		err = runHub(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// 🔧 公共启动流程
// =============================================================================

// process 一个长驻子命令共享的启动产物
type process struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	telemetry  *telemetry.Providers
}

// startProcess 解析 --config、加载配置、初始化日志与遥测
func startProcess(name string, args []string) (*process, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, err
	}

	logger, level, err := initLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(zap.String("cmd", name))
	logger.Info("Starting ProofFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(context.Background(), cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	return &process{
		cfg:        cfg,
		configPath: *configPath,
		logger:     logger,
		level:      level,
		telemetry:  providers,
	}, nil
}

// close 刷新遥测与日志
func (p *process) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.telemetry.Shutdown(ctx); err != nil {
		p.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = p.logger.Sync()
}

// signalContext 在收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// hotReload 返回配置热重载管理器；未指定配置文件时返回 nil。
// 日志级别变更直接作用于 AtomicLevel。
func (p *process) hotReload() *config.HotReloadManager {
	if p.configPath == "" {
		return nil
	}
	m := config.NewHotReloadManager(p.cfg, p.configPath, p.logger)
	m.OnReload(func(_, newCfg *config.Config, changes []config.ConfigChange) {
		for _, c := range changes {
			if c.Path != "Log.Level" {
				continue
			}
			level, err := zapcore.ParseLevel(newCfg.Log.Level)
			if err != nil {
				p.logger.Warn("ignoring invalid log level", zap.String("level", newCfg.Log.Level))
				continue
			}
			p.level.SetLevel(level)
			p.logger.Info("log level changed", zap.Stringer("level", level))
		}
	})
	return m
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/ready", "Health check path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(*addr + *path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ProofFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ProofFlow - proving task orchestration

Usage:
  proofflow <command> [options]

Commands:
  serve     Start the REST API server
  agent     Start a scheduling worker (and the remote consumer when enabled)
  hub       Start an in-memory remote task coordinator
  migrate   Database migration commands
  submit    Upload an image and input, then submit a job
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve', 'agent' and 'hub':
  --config <path>   Path to configuration file (YAML)

Examples:
  proofflow serve --config /etc/proofflow/config.yaml
  PROOFFLOW_AGENT_WORK_TYPE=exec proofflow agent
  proofflow migrate up
  proofflow submit --image guest.elf --input input.bin --wait
  proofflow health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 按配置构建 logger，返回的 AtomicLevel 支持热更新
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(level)

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             atomic,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, atomic, err
	}
	return logger, atomic, nil
}
