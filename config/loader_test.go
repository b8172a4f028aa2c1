// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapEnv 返回一个只读取给定 map 的 lookup，隔离宿主环境变量
func mapEnv(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func newTestLoader(vars map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = mapEnv(vars)
	return l
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := newTestLoader(nil).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, int64(50*1024*1024), cfg.Conversion.MaxUploadBytes)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 90s

conversion:
  max_upload_bytes: 1048576
  timeout: 45s
  queue_size: 4
  engine:
    binary: "/opt/blender/blender"
    factory_reset: true

rate_limit:
  requests: 3
  window: 10s
  backend: memory

cache:
  ttl: 2h
  dir: "/var/cache/convertflow"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := newTestLoader(nil).WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 90*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, int64(1048576), cfg.Conversion.MaxUploadBytes)
	assert.Equal(t, 45*time.Second, cfg.Conversion.Timeout)
	assert.Equal(t, 4, cfg.Conversion.QueueSize)
	assert.Equal(t, "/opt/blender/blender", cfg.Conversion.Engine.Binary)
	assert.True(t, cfg.Conversion.Engine.FactoryReset)
	// 未在 YAML 中出现的字段保持默认值
	assert.Equal(t, "blender", cfg.Conversion.Engine.Kind)

	assert.Equal(t, 3, cfg.RateLimit.Requests)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)

	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "/var/cache/convertflow", cfg.Cache.Dir)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"CONVERTFLOW_SERVER_HTTP_PORT":               "7777",
		"CONVERTFLOW_SERVER_API_KEYS":                "k1, k2",
		"CONVERTFLOW_CONVERSION_TIMEOUT":             "2m",
		"CONVERTFLOW_CONVERSION_ENGINE_BINARY":       "/usr/bin/blender",
		"CONVERTFLOW_RATE_LIMIT_REQUESTS":            "25",
		"CONVERTFLOW_CACHE_LOCAL_CAPACITY":           "64",
		"CONVERTFLOW_REDIS_ADDR":                     "env-redis:6379",
		"CONVERTFLOW_TELEMETRY_SAMPLE_RATE":          "0.5",
		"CONVERTFLOW_LOG_LEVEL":                      "warn",
		"CONVERTFLOW_CONVERSION_ENGINE_FACTORY_RESET": "true",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, 2*time.Minute, cfg.Conversion.Timeout)
	assert.Equal(t, "/usr/bin/blender", cfg.Conversion.Engine.Binary)
	assert.True(t, cfg.Conversion.Engine.FactoryReset)
	assert.Equal(t, 25, cfg.RateLimit.Requests)
	assert.Equal(t, uint64(64), cfg.Cache.LocalCapacity)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_LegacyEnv(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"MAX_FILE_SIZE":         "1024",
		"RATE_LIMIT_REQUESTS":   "5",
		"RATE_LIMIT_WINDOW":     "30",
		"CONVERSION_TIMEOUT":    "120",
		"CACHE_DURATION":        "600",
		"CONVERSION_CACHE_DIR":  "/data/cache",
		"REDIS_HOST":            "redis",
		"BLENDER_FACTORY_RESET": "yes",
		"LOG_LEVEL":             "DEBUG",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1024), cfg.Conversion.MaxUploadBytes)
	assert.Equal(t, 5, cfg.RateLimit.Requests)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 120*time.Second, cfg.Conversion.Timeout)
	assert.Equal(t, 600*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "/data/cache", cfg.Cache.Dir)
	// 仅设置主机时保留默认端口
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Conversion.Engine.FactoryReset)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_LegacyRedisPortOnly(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{"REDIS_PORT": "6380"}).Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
}

func TestLoader_PrefixedEnvBeatsLegacy(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"RATE_LIMIT_REQUESTS":             "5",
		"CONVERTFLOW_RATE_LIMIT_REQUESTS": "50",
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.RateLimit.Requests)
}

func TestLoader_LegacyDisabled(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{"MAX_FILE_SIZE": "1"}).
		WithLegacyEnv(false).
		Load()
	require.NoError(t, err)
	assert.Equal(t, int64(50*1024*1024), cfg.Conversion.MaxUploadBytes)
}

func TestLoader_InvalidLegacyValue(t *testing.T) {
	_, err := newTestLoader(map[string]string{"CONVERSION_TIMEOUT": "soon"}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVERSION_TIMEOUT")
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  http_port: 8888
redis:
  addr: "yaml-redis:6379"
`), 0644))

	cfg, err := newTestLoader(map[string]string{
		"CONVERTFLOW_SERVER_HTTP_PORT": "9999",
	}).WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "yaml-redis:6379", cfg.Redis.Addr)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"MYAPP_SERVER_HTTP_PORT": "6666",
	}).WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := newTestLoader(nil).WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := newTestLoader(nil).WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := newTestLoader(map[string]string{
		"CONVERTFLOW_SERVER_HTTP_PORT": "0",
	}).WithValidator(func(c *Config) error { return c.Validate() }).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	_, err := newTestLoader(map[string]string{
		"CONVERTFLOW_SERVER_HTTP_PORT": "eighty",
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVERTFLOW_SERVER_HTTP_PORT")
}

// --- 校验与辅助函数 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero upload", func(c *Config) { c.Conversion.MaxUploadBytes = 0 }, "max_upload_bytes"},
		{"zero timeout", func(c *Config) { c.Conversion.Timeout = 0 }, "conversion.timeout"},
		{"zero ceiling", func(c *Config) { c.RateLimit.Requests = 0 }, "rate_limit.requests"},
		{"bad backend", func(c *Config) { c.RateLimit.Backend = "etcd" }, "rate_limit.backend"},
		{"limiter disabled skips checks", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.Requests = 0
		}, ""},
		{"cache without dir", func(c *Config) { c.Cache.Dir = "" }, "cache.dir"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database driver"},
		{"negative queue", func(c *Config) { c.Conversion.QueueSize = -1 }, "queue_size"},
		{"cert without key", func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, "tls_key_file"},
		{"write timeout below conversion budget", func(c *Config) {
			c.Server.WriteTimeout = c.Conversion.Timeout
		}, "server.write_timeout"},
		{"write timeout equal to read plus conversion", func(c *Config) {
			c.Server.WriteTimeout = c.Conversion.Timeout + c.Server.ReadTimeout
		}, "server.write_timeout"},
		{"longer conversion needs longer write timeout", func(c *Config) {
			c.Conversion.Timeout = 10 * time.Minute
		}, "server.write_timeout"},
		{"unlimited write timeout", func(c *Config) { c.Server.WriteTimeout = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseFlag(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		assert.True(t, ParseFlag(v), v)
	}
	for _, v := range []string{"0", "false", "no", "", "maybe"} {
		assert.False(t, ParseFlag(v), v)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "/tmp/history.db"}
	assert.Equal(t, "/tmp/history.db", lite.DSN())

	assert.Empty(t, (&DatabaseConfig{}).DSN())
}

func TestMustLoad_PanicsOnBadFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))
	assert.Panics(t, func() { MustLoad(configPath) })
}
