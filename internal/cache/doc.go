// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的共享键值存储管理能力，是结果缓存与
滑动窗口限流共用的后端。

# 概述

本包封装 go-redis 客户端，负责连接生命周期、健康检查与降级状态。
Redis 是远程共享存储，可能出现瞬时故障：Manager 在启动时允许
降级运行（AllowDegraded），由 go-redis 在后续命令中自动重连，
上层组件根据返回错误自行降级（缓存视为未命中，限流放行）。

# 核心类型

  - Manager：持有 Redis 客户端，提供 GetJSON/SetJSON/Delete
    与 RunScript（原子 Lua 脚本），所有键统一加 KeyPrefix。
  - Config：地址、密码、连接池、TLS、键前缀、健康检查间隔与降级开关。

# 错误语义

  - ErrCacheMiss：键不存在，IsCacheMiss 判断。
  - ErrManagerClosed：管理器已关闭。
*/
package cache
