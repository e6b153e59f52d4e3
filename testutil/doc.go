// Package testutil 是 ddrflow 测试共用的辅助代码。
//
// FakeClock 与 RecordingSleeper 让预算跟踪器、调用闸门和熔断器在测试中
// 不真正等待；WaitFor 等函数用于断言异步结果。脚本化的 Provider 与
// Embedder 在 testutil/mocks，DDR 样例段落与知识图谱在 testutil/fixtures。
package testutil
