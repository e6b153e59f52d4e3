// Package types 放置各层共用、且不依赖任何内部包的类型：
// 带错误码的 *Error（预算不足、上游失败、属性异常、取消等），
// 以及 context 中的 trace ID、request ID 与 JWT subject。
package types
