// Package circuitbreaker 提供连续失败计数熔断器。
//
// 下游（如查询向量化服务）连续失败达到阈值后熔断器打开，期间的调用直接返回
// SERVICE_UNAVAILABLE 而不再等待超时；ResetTimeout 之后放行少量试探请求，
// 成功则关闭，失败则重新打开。
package circuitbreaker
