// Package config 提供 ConvertFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 旧版环境变量 → CONVERTFLOW_ 前缀环境变量
// 的顺序叠加。旧版变量（REDIS_HOST、MAX_FILE_SIZE、RATE_LIMIT_WINDOW 等）
// 保留原有语义，时长类变量以秒为单位。
package config
