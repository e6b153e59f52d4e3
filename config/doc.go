// Package config 提供 ddrflow 的配置管理：默认值、YAML 文件与
// DDRFLOW_* 环境变量覆盖，以及加载后的集中校验.
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量.
package config
