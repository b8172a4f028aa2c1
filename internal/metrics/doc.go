// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
模型转换、缓存与数据库几个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。注册经由
promauto.Factory 完成，默认落在 prometheus.DefaultRegisterer，
测试可用 WithRegisterer 传入独立 Registry。所有指标按 namespace 隔离。

Collector 同时实现 converter.Recorder 与 resultcache.Observer，
由服务装配时注入。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 转换指标：按输入/输出格式与终态统计次数和耗时，
    另含限流决策、工作目录清理失败、引擎重启与队列深度。
  - 缓存指标：cache_lookups_total，按缓存层（result_local/result_shared）与结果分组。
  - 数据库指标：open/idle/in_use 连接数 Gauge。
*/
package metrics
