// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理：非阻塞启动、
优雅关闭与异步错误传播。

# 概述

Manager 封装 net/http.Server。Start 同步绑定端口（端口占用立即
报错），随后在后台 goroutine 中提供服务；Config.TLS 非空时以
HTTPS 监听。信号处理由调用方负责，convertflow serve 用同一个
Manager 类型分别承载 API 与 /metrics 两个监听。

# 核心类型

  - Manager：Start、Shutdown、OnShutdown、Errors、Addr、
    ActiveConnections 与 IsRunning。通过 ConnState 统计正在处理
    请求的连接；关闭超时后强制断开剩余连接并返回 context 错误。
  - Config：名称、监听地址、读写与空闲超时、最大请求头、
    优雅关闭超时与可选的 TLS 配置。
*/
package server
