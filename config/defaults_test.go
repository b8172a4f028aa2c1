package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证服务器默认值
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.Conversion.Timeout+cfg.Server.ReadTimeout)

	// 验证转换默认值
	assert.Equal(t, int64(50*1024*1024), cfg.Conversion.MaxUploadBytes)
	assert.Equal(t, 300*time.Second, cfg.Conversion.Timeout)
	assert.Equal(t, 16, cfg.Conversion.QueueSize)
	assert.Equal(t, "blender", cfg.Conversion.Engine.Kind)
	assert.Contains(t, cfg.Conversion.Engine.Args, "{script}")
	assert.False(t, cfg.Conversion.Engine.FactoryReset)

	// 验证限流默认值（10 次 / 60 秒）
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.Requests)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)

	// 验证缓存默认值
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "conversion", cfg.Cache.KeyPrefix)
	assert.NotEmpty(t, cfg.Cache.Dir)

	// 验证 Redis 默认值
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Redis.Required)

	// 数据库默认不启用
	assert.Empty(t, cfg.Database.Driver)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "convertflow", cfg.Telemetry.ServiceName)
}

func TestConversionConfig_MaxUploadMB(t *testing.T) {
	c := DefaultConversionConfig()
	assert.Equal(t, float64(50), c.MaxUploadMB())

	c.MaxUploadBytes = 512 * 1024
	assert.Equal(t, 0.5, c.MaxUploadMB())
}
