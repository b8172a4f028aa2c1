// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，供转换历史
（审计记录）使用。

# 概述

Open 根据 config.DatabaseConfig 选择 postgres、mysql 或 sqlite
（glebarez 纯 Go 驱动）方言并建立连接；PoolManager 管理连接池参数
与关闭。sqlite 强制单连接，写入串行化。SQL 日志经 GormLogger 输出到
zap，慢查询阈值来自 database.slow_query。

# 核心类型

  - PoolManager：DB()、Ping()、Stats()、Close()。
  - PoolConfig：最大空闲/打开连接数与连接生命周期。
  - GormLogger：gorm logger.Interface 的 zap 实现。

# 事务重试

WithTransactionRetry 只重试 IsRetryable 认可的错误：postgres
SQLSTATE 40001/40P01/55P03/57P01，mysql 1205/1213，driver.ErrBadConn、
连接重置，以及 sqlite 的 database is locked。
*/
package database
