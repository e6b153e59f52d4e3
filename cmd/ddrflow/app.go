package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/ddrflow/api/handlers"
	"github.com/BaSui01/ddrflow/config"
	"github.com/BaSui01/ddrflow/internal/cache"
	"github.com/BaSui01/ddrflow/internal/database"
	"github.com/BaSui01/ddrflow/internal/history"
	"github.com/BaSui01/ddrflow/internal/metrics"
	"github.com/BaSui01/ddrflow/internal/telemetry"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/BaSui01/ddrflow/llm/circuitbreaker"
	"github.com/BaSui01/ddrflow/llm/embedding"
	"github.com/BaSui01/ddrflow/llm/gate"
	"github.com/BaSui01/ddrflow/llm/idempotency"
	"github.com/BaSui01/ddrflow/llm/providers/openaicompat"
	"github.com/BaSui01/ddrflow/llm/retry"
	"github.com/BaSui01/ddrflow/rag"
	"github.com/BaSui01/ddrflow/rag/loader"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// memoryAnswerCacheSize 未启用 Redis 时进程内回答缓存的容量
const memoryAnswerCacheSize = 256

// App 持有一次运行期间的全部组件
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry     *prometheus.Registry
	Collector    *metrics.Collector
	Tracker      *budget.Tracker
	Orchestrator *rag.Orchestrator

	cache     *cache.Manager // Redis 未启用时为 nil
	db        *database.Pool // 历史未启用或数据库不可用时为 nil
	History   *history.Store
	telemetry *telemetry.Providers
	otelReg   metric.Registration
}

// buildApp 按配置组装：预算 → 闸门 → 向量化 → 数据集 → 编排器，
// 以及可选的 Redis、历史库与 OTel。可选依赖不可用时降级而不是失败。
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	a.Collector = metrics.NewCollector("ddrflow", a.Registry, logger)

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, continuing without export", zap.Error(err))
	}
	a.telemetry = providers

	a.Tracker, err = budget.NewTracker(budget.Config{
		RequestsPerWindow:   cfg.RateLimit.RequestsPerMinute,
		TokensPerWindow:     cfg.RateLimit.TokensPerMinute,
		Window:              cfg.RateLimit.Window,
		RequestSafetyMargin: cfg.RateLimit.RequestSafetyMargin,
		TokenSafetyMargin:   cfg.RateLimit.TokenSafetyMargin,
		MinInterval:         cfg.RateLimit.MinInterval,
		AlertThreshold:      cfg.RateLimit.AlertThreshold,
	}, nil, logger)
	if err != nil {
		return nil, err
	}
	a.Tracker.OnAlert(a.Collector.RecordBudgetAlert)
	a.Collector.WatchBudget(a.Tracker)
	a.otelReg, err = telemetry.RegisterBudgetInstruments(otel.Meter("github.com/BaSui01/ddrflow"), a.Tracker)
	if err != nil {
		logger.Warn("otel budget instruments not registered", zap.Error(err))
	}

	provider := openaicompat.New(openaicompat.Config{
		ProviderName: cfg.LLM.Provider,
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
	}, logger)
	callGate := gate.New(provider, a.Tracker, gate.Config{
		Backoff: retry.Policy{
			BaseDelay:      cfg.Backoff.BaseDelay,
			MaxDelay:       cfg.Backoff.MaxDelay,
			MaxAttempts:    cfg.Backoff.MaxAttempts,
			JitterFraction: cfg.Backoff.JitterFraction,
		},
		CallTimeout: cfg.Backoff.CallTimeout,
	}, logger, gate.WithObserver(a.Collector.ObserveTransition))

	if cfg.Redis.Enabled {
		cc := cache.DefaultConfig()
		cc.Addr = cfg.Redis.Addr
		cc.Password = cfg.Redis.Password
		cc.DB = cfg.Redis.DB
		cc.KeyPrefix = cfg.Redis.KeyPrefix
		cc.TLSEnabled = cfg.Redis.TLSEnabled
		if cfg.Redis.PoolSize > 0 {
			cc.PoolSize = cfg.Redis.PoolSize
		}
		if cfg.Redis.MinIdleConns > 0 {
			cc.MinIdleConns = cfg.Redis.MinIdleConns
		}
		if a.cache, err = cache.NewManager(cc, logger); err != nil {
			logger.Warn("redis unavailable, falling back to in-process caches", zap.Error(err))
			a.cache = nil
		}
	}

	var store embedding.Store
	if a.cache != nil {
		store = a.cache
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:          "embedding",
		Threshold:     cfg.Embedding.BreakerThreshold,
		ResetTimeout:  cfg.Embedding.BreakerResetTimeout,
		OnStateChange: a.Collector.ObserveBreaker,
	}, logger)
	embedder := embedding.NewCachedEmbedder(embedding.NewGuardedEmbedder(embedding.NewHTTPEmbedder(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
	}, logger), breaker), store, cfg.Embedding.CacheTTL, logger)
	embedder.OnLookup = a.Collector.ObserveEmbeddingCache

	ds, err := loader.Load(ctx, cfg.Data.PassagesPath, cfg.Data.GraphPath, logger)
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	opts := []rag.OrchestratorOption{rag.WithObserver(a.Collector)}
	if a.cache != nil {
		opts = append(opts, rag.WithAnswerCache(
			idempotency.NewRedisManager(a.cache.Client(), cfg.Redis.KeyPrefix+"answer:", logger)))
	} else {
		opts = append(opts, rag.WithAnswerCache(idempotency.NewMemoryManager(memoryAnswerCacheSize)))
	}

	if cfg.History.Enabled {
		if err := a.openHistory(ctx); err != nil {
			logger.Warn("query history disabled", zap.Error(err))
		} else {
			opts = append(opts, rag.WithHistory(a.History))
		}
	}

	a.Orchestrator = rag.NewOrchestrator(orchestratorConfig(cfg), embedder, ds.Index, ds.Graph, callGate, logger, opts...)
	return a, nil
}

func (a *App) openHistory(ctx context.Context) error {
	pool := database.DefaultPoolConfig()
	if a.cfg.Database.MaxOpenConns > 0 {
		pool.MaxOpenConns = a.cfg.Database.MaxOpenConns
	}
	if a.cfg.Database.MaxIdleConns > 0 {
		pool.MaxIdleConns = a.cfg.Database.MaxIdleConns
	}
	if a.cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = a.cfg.Database.ConnMaxLifetime
	}
	db, err := database.Open(ctx, database.Options{
		Driver: a.cfg.Database.Driver,
		DSN:    a.cfg.Database.DSN(),
		Pool:   pool,
	}, a.logger)
	if err != nil {
		return err
	}
	writes := retry.NewRetryer(retry.Policy{
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       time.Second,
		MaxAttempts:    a.cfg.History.WriteAttempts,
		JitterFraction: 0.2,
	}, database.IsTransient, a.logger)
	st := history.NewStore(db.DB(), a.logger, history.WithRetryer(writes))
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return err
	}
	a.db = db
	a.History = st
	a.Collector.WatchDBPool(db.Stats)
	return nil
}

// orchestratorConfig 把配置文件映射到编排器参数
func orchestratorConfig(cfg *config.Config) rag.OrchestratorConfig {
	oc := rag.DefaultOrchestratorConfig()
	r := cfg.Retrieval
	oc.TopK = r.TopK
	oc.Limits = rag.Limits{MaxItems: r.MaxContextItems, MaxTokens: r.MaxContextTokens}
	oc.Composer = rag.ComposerConfig{
		StructuredScore: r.StructuredScore,
		GraphScore:      r.GraphScore,
		VectorWeight:    r.VectorWeight,
		MinSimilarity:   r.MinSimilarity,
	}
	oc.Graph = rag.GraphQueryConfig{MaxHops: r.MaxHops, MaxPathsPerEntity: r.MaxPathsPerEntity}
	oc.Prompt.AnswerLanguage = r.AnswerLanguage
	oc.DepthTolerance = r.DepthTolerance
	oc.GasThreshold = r.GasThreshold
	oc.AnswerCacheTTL = r.AnswerCacheTTL
	oc.AnswerTimeout = cfg.Server.MaxAnswerTimeout
	oc.Model = cfg.LLM.Model
	oc.MaxTokens = cfg.LLM.MaxTokens
	oc.Temperature = float32(cfg.LLM.Temperature)
	return oc
}

// ReadinessChecks 返回已启用依赖的就绪检查
func (a *App) ReadinessChecks() []handlers.DependencyCheck {
	var checks []handlers.DependencyCheck
	if a.cache != nil {
		checks = append(checks, handlers.DependencyCheck{Name: "redis", Check: a.cache.Ping})
	}
	if a.db != nil {
		checks = append(checks, handlers.DependencyCheck{Name: "database", Check: a.db.Ping})
	}
	return append(checks, handlers.DependencyCheck{Name: "dataset", Check: func(context.Context) error {
		if a.Orchestrator.Stats().Index.TotalDocuments == 0 {
			return errors.New("no passages loaded")
		}
		return nil
	}})
}

// RunBackground 启动后台任务（历史清理），随 ctx 结束
func (a *App) RunBackground(ctx context.Context) {
	if a.History != nil {
		go a.History.RunRetention(ctx, a.cfg.History.Retention, a.cfg.History.PruneInterval)
	}
}

// Close 按依赖逆序释放资源
func (a *App) Close(ctx context.Context) {
	if a.otelReg != nil {
		if err := a.otelReg.Unregister(); err != nil {
			a.logger.Warn("otel unregister failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
