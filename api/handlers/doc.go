// Package handlers 实现 ddrflow 的 HTTP 端点。
//
// 问答走 AnswerHandler，预算与索引快照走 StatsHandler，历史记录走
// HistoryHandler，探针走 HealthHandler。所有 JSON 响应共用 Response 信封；
// types.ErrorCode 在 WriteError 中统一映射成状态码，429 与 503 附带
// Retry-After。非 *types.Error 的错误只返回 INTERNAL_ERROR，细节留在日志里。
package handlers
