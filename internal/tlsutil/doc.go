// Package tlsutil 提供集中式 TLS 配置：HTTPS 监听（证书热加载）、
// 健康探测客户端和 Redis 出站连接，统一要求 TLS 1.2+ 与 AEAD 密码套件。
package tlsutil
