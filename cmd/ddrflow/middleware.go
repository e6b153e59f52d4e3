package main

import (
	"net/http"

	"github.com/BaSui01/ddrflow/api/handlers"
	"github.com/BaSui01/ddrflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxClientRequestIDLen 超长的客户端 X-Request-ID 会被替换
const maxClientRequestIDLen = 128

// Middleware 包装一个 http.Handler
type Middleware func(http.Handler) http.Handler

// Chain 第一个中间件位于最外层
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recovery 把 handler 的 panic 转成 500，http.ErrAbortHandler 原样抛出。
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				handlers.WriteErrorMessage(w, r, http.StatusInternalServerError,
					types.ErrInternalError, "internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 沿用客户端的 X-Request-ID，没有时生成一个，并写入 context 与响应头。
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > maxClientRequestIDLen {
				id = "req-" + uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'"},
}

// SecurityHeaders API 只返回 JSON，CSP 直接拒绝一切
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range securityHeaders {
				h.Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
