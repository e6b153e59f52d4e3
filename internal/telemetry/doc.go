// Package telemetry 初始化 OpenTelemetry 的 TracerProvider 与 MeterProvider，
// 并通过 OTLP gRPC 导出问答链路的 span 与预算指标.
// 禁用时保持全局 noop 实现，不连接任何外部服务.
package telemetry
