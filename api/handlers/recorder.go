package handlers

import "net/http"

// StatusRecorder 记录首次写出的状态码，供日志、指标与追踪中间件读取。
type StatusRecorder struct {
	http.ResponseWriter
	Status      int
	wroteHeader bool
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

// WriteHeader 只转发第一次调用
func (s *StatusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.Status, s.wroteHeader = code, true
	s.ResponseWriter.WriteHeader(code)
}

func (s *StatusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap 供 http.ResponseController 使用
func (s *StatusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
