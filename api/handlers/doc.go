// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 ConvertFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现模型转换上传、转换历史查询、格式列表与健康检查端点。
所有 Handler 均遵循标准 net/http 接口，路由由 cmd/convertflow 注册。

# 核心类型

  - ConvertHandler  — multipart 上传校验，调用转换服务并流式返回产物
  - HistoryHandler  — 转换审计记录列表与按状态汇总
  - HealthHandler   — /health、/healthz、/ready、/version
  - ErrorResponse   — 统一错误体 {"error", "code", "request_id"}
  - ResponseWriter  — 捕获状态码与字节数，供日志与指标中间件使用

# 校验顺序

文件存在 → 文件名非空 → 输出格式 → 扩展名推断输入格式 → MIME 类型 →
格式对。大小上限、空文件与限流由转换服务在持久化上传时处理，
Content-Length 明显超限的请求在读取请求体之前直接返回 413。
*/
package handlers
