/*
包 embedding 提供查询文本的向量化能力，供向量检索使用。

# 概述

段落向量由文档处理侧预先计算，本包只负责把用户问题转换为同一向量空间
中的查询向量。HTTPEmbedder 对接 OpenAI 兼容的 /v1/embeddings 接口
（OpenAI、TEI、Ollama 兼容层均可），CachedEmbedder 在其外层叠加
Redis 缓存与 singleflight，相同问题只向上游请求一次。

# 核心类型

  - Embedder：查询向量化接口。
  - HTTPEmbedder：OpenAI 兼容的 HTTP 实现，瞬时错误按退避策略重试。
  - CachedEmbedder：带缓存与并发去重的包装器。
*/
package embedding
