package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/ddrflow/internal/database"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/BaSui01/ddrflow/llm/circuitbreaker"
	"github.com/BaSui01/ddrflow/llm/gate"
	"github.com/BaSui01/ddrflow/rag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 指标收集器
type Collector struct {
	reg     prometheus.Registerer
	gather  prometheus.Gatherer
	factory promauto.Factory
	ns      string

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Call Gate 指标
	gateTransitions *prometheus.CounterVec
	gateThrottles   prometheus.Counter
	gateBackoff     prometheus.Histogram
	llmCalls        *prometheus.CounterVec

	budgetAlerts *prometheus.CounterVec
	breakerState *prometheus.GaugeVec

	// 问答指标
	answersTotal   *prometheus.CounterVec
	answerDuration *prometheus.HistogramVec
	retrievalHits  *prometheus.HistogramVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec

	logger *zap.Logger
}

var _ rag.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器. reg 为 nil 时使用全局默认注册表.
func NewCollector(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{ns: namespace, logger: logger.With(zap.String("component", "metrics"))}
	if reg != nil {
		c.reg, c.gather = reg, reg
	} else {
		c.reg, c.gather = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	c.factory = promauto.With(c.reg)
	f := c.factory

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.gateTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_transitions_total",
		Help:      "Call gate state transitions",
	}, []string{"from", "to"})
	c.gateThrottles = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_throttles_total",
		Help:      "Provider throttling responses seen by the call gate",
	})
	c.gateBackoff = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gate_backoff_seconds",
		Help:      "Backoff delay scheduled after a throttle",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 120},
	})
	c.llmCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_calls_total",
		Help:      "Completed call gate runs by terminal state",
	}, []string{"state"})

	c.budgetAlerts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "budget_alerts_total",
		Help:      "Budget utilisation alerts",
	}, []string{"kind"})

	c.answersTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Answered questions by outcome",
	}, []string{"outcome"})
	c.answerDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "answer_duration_seconds",
		Help:      "End to end answer latency",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"outcome"})
	c.retrievalHits = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_hits",
		Help:      "Hits returned per retrieval",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	}, []string{"source"})
	c.breakerState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})
	c.cacheHits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Cache hits",
	}, []string{"cache"})
	c.cacheMisses = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Cache misses",
	}, []string{"cache"})

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gather, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveTransition 是 gate.Observer
func (c *Collector) ObserveTransition(t gate.Transition) {
	c.gateTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	switch t.To {
	case gate.StateThrottled:
		c.gateThrottles.Inc()
	case gate.StateWaiting:
		if t.Wait > 0 {
			c.gateBackoff.Observe(t.Wait.Seconds())
		}
	case gate.StateSuccess, gate.StateFailed:
		c.llmCalls.WithLabelValues(string(t.To)).Inc()
	}
}

// RecordBudgetAlert 是 budget.AlertHandler
func (c *Collector) RecordBudgetAlert(a budget.Alert) {
	c.budgetAlerts.WithLabelValues(string(a.Kind)).Inc()
}

// ObserveBreaker 用作 circuitbreaker.Config.OnStateChange
func (c *Collector) ObserveBreaker(name string, from, to circuitbreaker.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.logger.Debug("breaker state changed",
		zap.String("breaker", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

// StatusSource 提供预算快照
type StatusSource interface {
	Status() budget.Status
}

// WatchBudget 注册拉取式预算指标，每次抓取时读取一次快照.
func (c *Collector) WatchBudget(src StatusSource) {
	window := func(kind budget.Kind, pick func(budget.WindowStatus) float64) func() float64 {
		return func() float64 {
			s := src.Status()
			if kind == budget.KindTokens {
				return pick(s.Tokens)
			}
			return pick(s.Requests)
		}
	}
	for _, kind := range []budget.Kind{budget.KindRequests, budget.KindTokens} {
		labels := prometheus.Labels{"kind": string(kind)}
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.ns, Name: "budget_used", Help: "Committed usage in the current window",
			ConstLabels: labels,
		}, window(kind, func(w budget.WindowStatus) float64 { return float64(w.Used) }))
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.ns, Name: "budget_pending", Help: "Reserved but uncommitted usage",
			ConstLabels: labels,
		}, window(kind, func(w budget.WindowStatus) float64 { return float64(w.Pending) }))
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.ns, Name: "budget_utilisation", Help: "Used plus pending over the effective limit",
			ConstLabels: labels,
		}, window(kind, func(w budget.WindowStatus) float64 { return w.Utilisation }))
	}
	c.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.ns, Name: "budget_wait_seconds_total", Help: "Accumulated proactive wait",
	}, func() float64 { return src.Status().Stats.TotalWait.Seconds() })
	c.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.ns, Name: "llm_tokens_used_total", Help: "Tokens committed to the budget",
	}, func() float64 { return float64(src.Status().Stats.TotalTokens) })
	c.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.ns, Name: "budget_deferrals_total", Help: "Reservations that returned a wait",
	}, func() float64 { return float64(src.Status().Stats.Deferrals) })
}

// WatchDBPool 注册数据库连接池指标
func (c *Collector) WatchDBPool(stats func() database.PoolStats) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.ns, Name: "db_connections_open", Help: "Open database connections",
	}, func() float64 { return float64(stats().OpenConnections) })
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.ns, Name: "db_connections_idle", Help: "Idle database connections",
	}, func() float64 { return float64(stats().Idle) })
}

// ObserveAnswer 实现 rag.Observer
func (c *Collector) ObserveAnswer(outcome string, d time.Duration) {
	c.answersTotal.WithLabelValues(outcome).Inc()
	c.answerDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveRetrieval 实现 rag.Observer
func (c *Collector) ObserveRetrieval(source string, hits int) {
	c.retrievalHits.WithLabelValues(source).Observe(float64(hits))
}

// ObserveAnswerCache 实现 rag.Observer
func (c *Collector) ObserveAnswerCache(hit bool) { c.recordCache("answer", hit) }

// ObserveEmbeddingCache 用作 CachedEmbedder.OnLookup
func (c *Collector) ObserveEmbeddingCache(hit bool) { c.recordCache("embedding", hit) }

func (c *Collector) recordCache(cache string, hit bool) {
	if hit {
		c.cacheHits.WithLabelValues(cache).Inc()
		return
	}
	c.cacheMisses.WithLabelValues(cache).Inc()
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
