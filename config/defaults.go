// =============================================================================
// 📦 ConvertFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值，与旧部署的环境变量默认值保持一致
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Conversion: DefaultConversionConfig(),
		RateLimit:  DefaultRateLimitConfig(),
		Cache:      DefaultCacheConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    7 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		FloodGuardRPS:   20,
		FloodGuardBurst: 40,
	}
}

// DefaultConversionConfig 返回默认转换配置
func DefaultConversionConfig() ConversionConfig {
	return ConversionConfig{
		MaxUploadBytes: 50 * 1024 * 1024,
		Timeout:        300 * time.Second,
		QueueSize:      16,
		Engine: EngineConfig{
			Kind:           "blender",
			Binary:         "blender",
			Args:           []string{"--background", "--factory-startup", "--python", "{script}"},
			StartupTimeout: 60 * time.Second,
		},
	}
}

// DefaultRateLimitConfig 返回默认限流配置（10 次 / 60 秒）
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:   true,
		Requests:  10,
		Window:    60 * time.Second,
		KeyPrefix: "rate_limit",
		Backend:   "redis",
	}
}

// DefaultCacheConfig 返回默认结果缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:         true,
		TTL:             3600 * time.Second,
		Dir:             filepath.Join(os.TempDir(), "convert_cache"),
		KeyPrefix:       "conversion",
		LocalCapacity:   1024,
		LocalTTL:        30 * time.Second,
		JanitorInterval: 10 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "convertflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置（默认不启用）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "convertflow",
		Name:            "convertflow",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		Retention:       30 * 24 * time.Hour,
		SlowQuery:       200 * time.Millisecond,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "convertflow",
		SampleRate:     0.1,
		Insecure:       true,
		MetricInterval: 30 * time.Second,
	}
}
