/*
包 metrics 提供 Prometheus 指标采集。

# 核心类型

  - Collector：集中注册全部指标，并实现 rag.Observer，
    同时提供 Call Gate 状态转换观察器与预算告警回调。

# 指标分组

  - HTTP：请求总数与耗时。
  - Call Gate：状态转换、限流次数、退避延迟分布与 LLM 调用结果。
  - 预算：请求/令牌窗口的已用量、挂起量与利用率（拉取式 GaugeFunc），
    主动等待总时长、已提交 token 数与告警次数。
  - 检索问答：按结果统计的回答数与耗时、向量/图检索命中数、
    回答缓存与嵌入缓存命中率。
  - 数据库：连接池打开数与空闲数。

Handler 返回对应注册表的 /metrics HTTP 处理器。
*/
package metrics
