/*
Package rag 实现 DDR（每日钻井报告）的混合检索问答.

# 组成

  - VectorIndex: 只读的精确余弦相似度索引，支持按井名、作业者过滤
  - KnowledgeGraph / GraphBuilder: 实体 arena 加关系元组列表的知识图
  - GraphQueryEngine: 数值区间、等值、包含比较与有界跳数遍历
  - ClassifyIntent: 把问题分类为结构化、语义或混合查询的纯函数
  - Composer: 合并、去重、排序并截断为有界上下文包
  - Orchestrator: 并行检索，经调用闸门生成回答并附带引用

索引和知识图在启动时由 rag/loader 加载，服务期间不再修改，
因此查询路径上不需要加锁. 唯一共享的可变状态是 llm/budget 中的预算.

# 错误

属性缺失或非数值的实体会被排除并以 MALFORMED_ATTRIBUTE 记录，
不会使查询失败. 检索为空时返回 NoData 回答，与模型调用失败
（PROVIDER_FAILURE、BUDGET_EXCEEDED、CANCELLED）严格区分.
*/
package rag
