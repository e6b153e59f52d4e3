package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/ddrflow/api/handlers"
	"github.com/BaSui01/ddrflow/internal/metrics"
	"github.com/BaSui01/ddrflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// afterServe 运行 next 后把请求、最终状态码与耗时交给 done
func afterServe(done func(r *http.Request, status int, elapsed time.Duration)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := handlers.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)
			done(r, rec.Status, time.Since(start))
		})
	}
}

// RequestLogger 每个请求一行访问日志
func RequestLogger(logger *zap.Logger) Middleware {
	return afterServe(func(r *http.Request, status int, elapsed time.Duration) {
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("remote_addr", r.RemoteAddr),
		}
		if id, ok := types.RequestID(r.Context()); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		if sub, ok := types.Subject(r.Context()); ok {
			fields = append(fields, zap.String("subject", sub))
		}
		logger.Info("request", fields...)
	})
}

// MetricsMiddleware 记录请求数与耗时，path 标签取路由模式
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return afterServe(func(r *http.Request, status int, elapsed time.Duration) {
		collector.RecordHTTPRequest(r.Method, routeLabel(r), status, elapsed)
	})
}

// routeLabel 如 "GET /api/v1/history/{id}" 取 "/api/v1/history/{id}"；未匹配路由统一为 unmatched
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// OTelTracing 为每个请求开 server span，继承上游 traceparent，
// 并把 trace ID 放进 context 供日志与历史记录使用。
func OTelTracing() Middleware {
	tracer := otel.Tracer("github.com/BaSui01/ddrflow/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				))
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = types.WithTraceID(ctx, sc.TraceID().String())
			}
			rec := handlers.NewStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rec.Status))
			if rec.Status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.Status))
			}
		})
	}
}
