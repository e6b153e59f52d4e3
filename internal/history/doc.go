// Package history 持久化问答记录（问题、回答、引用、结果），
// 通过 GORM 支持 sqlite / postgres / mysql.
package history
