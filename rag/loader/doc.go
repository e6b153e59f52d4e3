// Package loader 读取文档处理环节产出的段落与知识图快照.
//
// 段落支持 JSON 数组或 JSONL（每行一个段落）；知识图为单个 JSON 对象，
// 包含 entities 与 relations 两个数组.
package loader
