// =============================================================================
// 📦 ConvertFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CONVERTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 旧版环境变量 → 带前缀环境变量
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ConvertFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Conversion 转换流水线配置
	Conversion ConversionConfig `yaml:"conversion" env:"CONVERSION"`

	// RateLimit 滑动窗口限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Cache 结果缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（可选，用于转换历史）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，从读完请求头开始计时，需大于读取超时与转换超时之和；0 表示不限制
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 允许的 CORS 来源，为空则不设置
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// API Key 列表，为空则不启用 API Key 认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT HMAC 密钥，为空则不启用 JWT 认证
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者（可选）
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// 每 IP 令牌桶速率（粗粒度防洪）
	FloodGuardRPS float64 `yaml:"flood_guard_rps" env:"FLOOD_GUARD_RPS"`
	// 令牌桶容量
	FloodGuardBurst int `yaml:"flood_guard_burst" env:"FLOOD_GUARD_BURST"`
	// HTTPS 证书与私钥，均设置时启用 TLS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// ConversionConfig 转换配置
type ConversionConfig struct {
	// 上传文件大小上限（字节）
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// 单次转换的时间预算
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 临时工作区根目录，为空使用系统临时目录
	WorkspaceRoot string `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
	// 单 worker 前的等待队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`
}

// EngineConfig 场景引擎（Blender）配置
type EngineConfig struct {
	// 引擎类型: blender
	Kind string `yaml:"kind" env:"KIND"`
	// 可执行文件路径
	Binary string `yaml:"binary" env:"BINARY"`
	// 额外启动参数，{script} 会被替换为桥接脚本路径
	Args []string `yaml:"args" env:"ARGS"`
	// 进程启动握手超时
	StartupTimeout time.Duration `yaml:"startup_timeout" env:"STARTUP_TIMEOUT"`
	// 重置场景时是否加载出厂设置
	FactoryReset bool `yaml:"factory_reset" env:"FACTORY_RESET"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 窗口内允许的请求数
	Requests int `yaml:"requests" env:"REQUESTS"`
	// 窗口长度
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 后端: redis, memory
	Backend string `yaml:"backend" env:"BACKEND"`
}

// CacheConfig 结果缓存配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 缓存条目 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 缓存产物目录
	Dir string `yaml:"dir" env:"DIR"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 本地 L1 缓存容量（0 表示禁用）
	LocalCapacity uint64 `yaml:"local_capacity" env:"LOCAL_CAPACITY"`
	// 本地 L1 缓存 TTL
	LocalTTL time.Duration `yaml:"local_ttl" env:"LOCAL_TTL"`
	// 过期产物清理间隔（0 表示禁用）
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
	// 启动时 Redis 不可达是否视为致命错误
	Required bool `yaml:"required" env:"REQUIRED"`
	// 键前缀，多个部署共用一个 Redis 时区分命名空间
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite；为空表示不启用历史记录
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时执行 migrate up
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// 历史记录保留时长（0 表示永久保留）
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 超过该耗时的 SQL 以 warn 级别记录（0 表示不记录慢查询）
	SlowQuery time.Duration `yaml:"slow_query" env:"SLOW_QUERY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 是否以明文 gRPC 连接采集器
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标推送间隔
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	legacyEnv  bool
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONVERTFLOW",
		legacyEnv:  true,
		lookupEnv:  os.LookupEnv,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLegacyEnv 控制是否读取旧版（无前缀）环境变量
func (l *Loader) WithLegacyEnv(enabled bool) *Loader {
	l.legacyEnv = enabled
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 旧版环境变量（REDIS_HOST、MAX_FILE_SIZE 等）
	if l.legacyEnv {
		if err := l.loadLegacyEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to load legacy env: %w", err)
		}
	}

	// 4. 带前缀的环境变量优先级最高
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// legacySeconds 解析以秒为单位的旧版时长
func legacySeconds(value string) (time.Duration, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

// loadLegacyEnv 读取旧部署使用的无前缀变量
func (l *Loader) loadLegacyEnv(cfg *Config) error {
	get := func(key string) (string, bool) {
		v, ok := l.lookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("MAX_FILE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		cfg.Conversion.MaxUploadBytes = n
	}
	if v, ok := get("RATE_LIMIT_REQUESTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_REQUESTS: %w", err)
		}
		cfg.RateLimit.Requests = n
	}
	seconds := map[string]*time.Duration{
		"RATE_LIMIT_WINDOW":  &cfg.RateLimit.Window,
		"CONVERSION_TIMEOUT": &cfg.Conversion.Timeout,
		"CACHE_DURATION":     &cfg.Cache.TTL,
	}
	for key, dst := range seconds {
		if v, ok := get(key); ok {
			d, err := legacySeconds(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v, ok := get("CONVERSION_CACHE_DIR"); ok {
		cfg.Cache.Dir = v
	}
	if v, ok := get("BLENDER_FACTORY_RESET"); ok {
		cfg.Conversion.Engine.FactoryReset = ParseFlag(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(v)
	}

	host, hostSet := get("REDIS_HOST")
	port, portSet := get("REDIS_PORT")
	if hostSet || portSet {
		curHost, curPort, err := net.SplitHostPort(cfg.Redis.Addr)
		if err != nil {
			curHost, curPort = cfg.Redis.Addr, "6379"
		}
		if !hostSet {
			host = curHost
		}
		if !portSet {
			port = curPort
		}
		cfg.Redis.Addr = net.JoinHostPort(host, port)
	}
	return nil
}

// ParseFlag 解析 1/true/yes/on 风格的开关值
func ParseFlag(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Conversion.MaxUploadBytes <= 0 {
		errs = append(errs, "conversion.max_upload_bytes must be positive")
	}
	if c.Conversion.Timeout <= 0 {
		errs = append(errs, "conversion.timeout must be positive")
	}
	// 0 表示不限制写超时
	if w := c.Server.WriteTimeout; w != 0 && w <= c.Conversion.Timeout+c.Server.ReadTimeout {
		errs = append(errs, fmt.Sprintf("server.write_timeout (%s) must exceed conversion.timeout plus server.read_timeout (%s)",
			w, c.Conversion.Timeout+c.Server.ReadTimeout))
	}
	if c.Database.Retention < 0 {
		errs = append(errs, "database.retention must not be negative")
	}
	if c.Conversion.QueueSize < 0 {
		errs = append(errs, "conversion.queue_size must not be negative")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			errs = append(errs, "rate_limit.requests must be positive")
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, "rate_limit.window must be positive")
		}
		switch c.RateLimit.Backend {
		case "redis", "memory":
		default:
			errs = append(errs, fmt.Sprintf("unsupported rate_limit.backend %q", c.RateLimit.Backend))
		}
	}
	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			errs = append(errs, "cache.ttl must be positive")
		}
		if c.Cache.Dir == "" {
			errs = append(errs, "cache.dir is required when the cache is enabled")
		}
	}
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// MaxUploadMB 以 MB 表示的上传上限，用于错误提示
func (c *ConversionConfig) MaxUploadMB() float64 {
	return float64(c.MaxUploadBytes) / (1024 * 1024)
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
