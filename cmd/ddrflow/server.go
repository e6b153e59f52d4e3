package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/ddrflow/api/handlers"
	"github.com/BaSui01/ddrflow/internal/server"
	"go.uber.org/zap"
)

// publicPaths 不需要认证
var publicPaths = []string{"/health", "/healthz", "/ready", "/version"}

// newAPIHandler 注册路由并构建中间件链
func newAPIHandler(ctx context.Context, app *App, logger *zap.Logger) http.Handler {
	cfg := app.cfg

	health := handlers.NewHealthHandler(Version, logger, app.ReadinessChecks()...)
	answer := handlers.NewAnswerHandler(app.Orchestrator, cfg.Server.AnswerTimeout, cfg.Server.MaxAnswerTimeout, logger)

	var counter handlers.OutcomeCounter
	if app.History != nil {
		counter = app.History
	}
	stats := handlers.NewStatsHandler(app.Tracker, app.Orchestrator, counter, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(BuildTime, GitCommit))

	limit := RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	mux.Handle("/api/v1/answer", limit(http.HandlerFunc(answer.HandleAnswer)))
	mux.HandleFunc("GET /api/v1/stats", stats.HandleStats)
	if app.History != nil {
		hist := handlers.NewHistoryHandler(app.History, logger)
		mux.HandleFunc("GET /api/v1/history", hist.HandleList)
		mux.HandleFunc("GET /api/v1/history/{id}", hist.HandleGet)
	}

	chain := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(logger),
	}
	if cfg.JWT.Enabled {
		chain = append(chain, JWTAuth(cfg.JWT, publicPaths, logger))
	}
	chain = append(chain, MetricsMiddleware(app.Collector))
	return Chain(mux, chain...)
}

// newManagers 创建 API 与 metrics 两个服务器
func newManagers(ctx context.Context, app *App, logger *zap.Logger) []*server.Manager {
	cfg := app.cfg
	managers := []*server.Manager{
		server.NewManager(newAPIHandler(ctx, app, logger), server.Config{
			Name:            "api",
			Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			IdleTimeout:     2 * cfg.Server.ReadTimeout,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSCertFile:     cfg.Server.TLSCertFile,
			TLSKeyFile:      cfg.Server.TLSKeyFile,
		}, logger),
	}
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.Collector.Handler())
		managers = append(managers, server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.ReadTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger))
	}
	return managers
}
