/*
包 database 负责打开 GORM 连接并管理底层连接池。

# 概述

Open 按驱动名（sqlite / postgres / mysql）选择方言，打开连接后
交给 Pool 配置连接池参数并在后台定时探活。查询历史等
持久化组件只依赖 *gorm.DB，不关心具体方言。

# 核心类型

  - Options：驱动、DSN 与连接池配置。
  - Pool：持有 GORM DB 与 sql.DB，提供 Ping、Stats、Close。
  - IsTransient：判断写入错误能否重试，配合 llm/retry 使用。
  - PoolStats：对外暴露的连接池统计信息。
*/
package database
