// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 ConvertFlow 服务端程序入口。

# 概述

cmd/convertflow 是 3D 模型转换服务的可执行入口，提供 HTTP API、
数据库迁移、健康检查和版本查询等子命令。配置来自 YAML 文件与环境变量，
日志使用 zap，指标通过独立端口以 Prometheus 格式暴露。

# 核心类型

  - Server      — 组装转换流水线（限流、结果缓存、监督者、场景引擎、历史记录）
    并管理 API 与 Metrics 两个监听
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - JWTConfig   — Bearer token 校验参数

# 主要能力

  - 子命令：serve、migrate、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、Metrics、SecurityHeaders、
    RequestLogger、CORS、FloodGuard（按 IP 令牌桶）、APIKeyAuth、JWTAuth
  - 启动时重置场景引擎，失败即退出
  - 优雅关闭：停止监听 → 等待进行中的转换 → 关闭引擎与存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
