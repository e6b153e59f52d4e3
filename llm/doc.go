/*
包 llm 提供 ddrflow 的大语言模型接入层。

# 概述

核心接口是 [Provider]：接收 prompt 与最大 token 提示，返回生成文本、
可区分的限流信号（[ErrRateLimited]）或其他失败。具体传输格式由
llm/providers 下的实现负责。

# 子包

  - budget：请求/令牌双预算跟踪器，预测等待时长
  - retry：指数退避策略
  - gate：限流调用闸门状态机（主动等待 + 被动退避）
  - tokenizer：token 估算
  - embedding：查询向量化、熔断与缓存
  - circuitbreaker：向量化服务熔断器
  - providers：HTTP 上游错误映射（状态码、Retry-After）
  - providers/openaicompat：OpenAI 兼容 HTTP Provider（默认 Groq）
*/
package llm
