// =============================================================================
// ddrflow 主入口
// =============================================================================
// 钻井日报问答服务：HTTP API、Prometheus 指标、单次命令行问答
//
// 使用方法:
//
//	ddrflow serve --config config.yaml    # 启动服务
//	ddrflow ask "Show gas readings above 1.2%"
//	ddrflow stats                         # 打印数据集与预算统计
//	ddrflow health --addr http://localhost:8080
//	ddrflow version
// =============================================================================

// @title ddrflow API
// @version 1.0.0
// @description Hybrid retrieval and rate-governed answering over Daily Drilling Reports.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BaSui01/ddrflow/api"
	"github.com/BaSui01/ddrflow/config"
	"github.com/BaSui01/ddrflow/internal/server"
	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode 按错误类型区分退出码，方便脚本判断
func exitCode(err error) int {
	switch types.GetErrorCode(err) {
	case types.ErrBudgetExceeded, types.ErrThrottled:
		return 3
	case types.ErrProviderFailure:
		return 4
	case types.ErrCancelled:
		return 5
	default:
		return 1
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "Path to config file (YAML)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ddrflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	stats := app.Orchestrator.Stats()
	logger.Info("dataset ready",
		zap.Int("documents", stats.Index.TotalDocuments),
		zap.Int("wellbores", stats.Index.UniqueWellbores),
		zap.Int("entities", stats.Graph.TotalEntities),
		zap.Int("relations", stats.Graph.TotalRelations),
	)

	app.RunBackground(ctx)
	if err := server.Run(ctx, newManagers(ctx, app, logger)...); err != nil {
		return err
	}
	logger.Info("ddrflow stopped")
	return nil
}

// =============================================================================
// ❓ ask 命令：不启动 HTTP，直接走一次完整的问答流程
// =============================================================================

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	timeout := fs.Duration("timeout", 0, "Answer deadline (default server.answer_timeout)")
	asJSON := fs.Bool("json", false, "Print the full response as JSON")
	cfg, err := loadConfig(fs, reorderFlags(args))
	if err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return types.NewInvalidRequestError("usage: ddrflow ask [--json] [--timeout 90s] <question>")
	}

	// 命令行模式只输出告警及以上，且不污染 stdout
	cfg.Log.Level = "warn"
	cfg.Log.OutputPaths = []string{"stderr"}
	cfg.Server.MetricsPort = 0
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	d := cfg.Server.AnswerTimeout
	if *timeout > 0 {
		d = *timeout
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	ans, err := app.Orchestrator.Answer(ctx, question)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.NewAnswerResponse(ans))
	}
	printAnswer(os.Stdout, api.NewAnswerResponse(ans))
	return nil
}

// reorderFlags 允许 flag 出现在问题之后，例如 `ask "gas above 1.2%" --json`
func reorderFlags(args []string) []string {
	var flags, rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			rest = append(rest, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if (name == "config" || name == "timeout") && i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return append(flags, rest...)
}

func printAnswer(w io.Writer, a api.AnswerResponse) {
	fmt.Fprintln(w, a.Answer)
	if len(a.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for _, c := range a.Citations {
			fmt.Fprintf(w, "  [%d] %s\n", c.Index, c.Source)
		}
	}
	fmt.Fprintf(w, "\n(intent=%s context_items=%d attempts=%d cached=%t %dms)\n",
		a.Intent, a.ContextItems, a.Attempts, a.Cached, a.DurationMS)
}

// =============================================================================
// 📊 stats 命令
// =============================================================================

func runStats(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("stats", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	cfg.Log.Level = "warn"
	cfg.Log.OutputPaths = []string{"stderr"}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	resp := api.StatsResponse{Budget: app.Tracker.Status(), Retrieval: app.Orchestrator.Stats()}
	if app.History != nil {
		if resp.History, err = app.History.Count(ctx); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check /ready instead of /health")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/ready"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("health check failed: status " + resp.Status)
	}
	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ddrflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `ddrflow - Daily Drilling Report question answering

Usage:
  ddrflow <command> [options]

Commands:
  serve     Start the HTTP API and metrics servers
  ask       Answer one question and exit
  stats     Print dataset, budget and history statistics
  health    Check a running server
  version   Show version information
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML); DDRFLOW_* env vars override it

Examples:
  ddrflow serve --config /etc/ddrflow/config.yaml
  ddrflow ask "Show gas readings above 1.2%"
  ddrflow ask --json "What lithology was drilled at 2450 m in 15/9-F-14?"
  ddrflow health --addr http://localhost:8080 --ready`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

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
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", "ddrflow"))
}
