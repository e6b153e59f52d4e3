// Package openaicompat 实现 OpenAI 兼容的 Chat Completions Provider。
//
// ddrflow 默认对接 Groq（https://api.groq.com/openai），任何兼容
// /v1/chat/completions 的服务（OpenAI、vLLM、Ollama 兼容层）都可以通过
// 修改 BaseURL 与模型名接入。429 响应会被映射为 llm.ErrRateLimited，
// 并携带 Retry-After 提示。
package openaicompat
