package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// checkTimeout 就绪检查的整体超时
	checkTimeout = 5 * time.Second
	// maxConcurrentChecks 同时执行的检查数
	maxConcurrentChecks = 8
)

// DependencyCheck 一个具名的依赖检查，例如数据库 Ping、Redis Ping、数据集是否已加载。
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy | unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查的结果
type CheckResult struct {
	Status  string `json:"status"` // pass | fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler 存活、就绪与版本端点
type HealthHandler struct {
	version string
	checks  []DependencyCheck
	logger  *zap.Logger
}

// NewHealthHandler 创建处理器。checks 在构造后不可变。
func NewHealthHandler(version string, logger *zap.Logger, checks ...DependencyCheck) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		version: version,
		checks:  append([]DependencyCheck(nil), checks...),
		logger:  logger.With(zap.String("handler", "health")),
	}
}

// HandleHealth 存活探针，只说明进程在运行
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now(), Version: h.version})
}

// HandleReady 并发执行全部探测，任一失败返回 503
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务已就绪"
// @Failure 503 {object} HealthStatus "依赖不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := h.runChecks(ctx)

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Checks:    make(map[string]CheckResult, len(results)),
	}
	code := http.StatusOK
	for i, p := range h.checks {
		status.Checks[p.Name] = results[i]
		if results[i].Status == "fail" {
			status.Status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, code, status)
}

// 每个 goroutine 只写自己的下标，组内不传播错误
func (h *HealthHandler) runChecks(ctx context.Context) []CheckResult {
	results := make([]CheckResult, len(h.checks))
	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for i, p := range h.checks {
		g.Go(func() error {
			start := time.Now()
			err := p.Check(ctx)
			elapsed := time.Since(start)
			results[i] = CheckResult{Status: "pass", Latency: elapsed.String()}
			if err != nil {
				results[i].Status, results[i].Message = "fail", err.Error()
				h.logger.Warn("readiness check failed",
					zap.String("check", p.Name),
					zap.Duration("latency", elapsed),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// HandleVersion 返回构建信息
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    h.version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, info)
	}
}
