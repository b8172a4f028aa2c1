// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理转换历史库的 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中
（migrations/<dialect>/NNNNNN_name.{up,down}.sql）。迁移器按方言
选择 database/sql 驱动与 golang-migrate 数据库驱动，日志转发到 zap。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、DownAll、Steps、Goto、
    Force、Version、Status、Info 与 Close。
  - CLI：面向终端的格式化输出，Execute 负责子命令分发，
    供 convertflow migrate 使用。
  - NewMigratorFromDatabaseConfig / NewMigratorFromURL：分别从
    database 配置段与命令行连接串创建迁移器。
*/
package migration
