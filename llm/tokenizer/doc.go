// Package tokenizer 提供统一的 Token 计数接口，用于预算预留与上下文截断。
// 默认优先使用 tiktoken 精确计数，编码数据不可用时回退到字符估算器。
package tokenizer
