// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convertflow/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrCacheMiss 键不存在
	ErrCacheMiss = errors.New("cache miss")
	// ErrManagerClosed 管理器已关闭
	ErrManagerClosed = errors.New("cache manager is closed")
)

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// =============================================================================
// 💾 共享 KV
// =============================================================================

// Config Redis 连接参数
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	TLSEnabled   bool

	// KeyPrefix 加在所有键前面，多个部署共用一个 Redis 时区分命名空间
	KeyPrefix string

	// DefaultTTL SetJSON 传入 0 时使用
	DefaultTTL time.Duration

	// HealthCheckInterval 后台探活间隔，0 表示不探活
	HealthCheckInterval time.Duration

	// AllowDegraded 启动时连不上 Redis 也继续运行，go-redis 在后续命令中自动重连
	AllowDegraded bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		MaxRetries:          1,
		PoolSize:            10,
		MinIdleConns:        2,
		DefaultTTL:          time.Hour,
		HealthCheckInterval: 30 * time.Second,
		AllowDegraded:       true,
	}
}

// Manager 结果缓存索引与限流共用的 Redis 连接池。
// 所有操作失败都返回错误，由调用方决定降级方式。
type Manager struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	healthy atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager 建立连接并做一次探活。AllowDegraded 为 false 时探活失败即返回错误。
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}

	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		// 失败要尽快降级，请求不能挂在 Redis 上
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if config.TLSEnabled {
		opts.TLSConfig = tlsutil.ClientConfig(config.Addr)
	}

	m := &Manager{
		client: redis.NewClient(opts),
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		if !config.AllowDegraded {
			_ = m.client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		m.logger.Warn("redis unreachable, running degraded",
			zap.String("addr", config.Addr),
			zap.Error(err),
		)
	} else {
		m.healthy.Store(true)
	}

	if config.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.watch()
	}

	m.logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Bool("healthy", m.healthy.Load()),
	)
	return m, nil
}

// Key 返回带前缀的完整键
func (m *Manager) Key(key string) string {
	return m.config.KeyPrefix + key
}

func (m *Manager) keys(keys []string) []string {
	if m.config.KeyPrefix == "" {
		return keys
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m.Key(k)
	}
	return out
}

// GetJSON 读取并解码；键不存在返回 ErrCacheMiss
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	raw, err := m.client.Get(ctx, m.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache get failed: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON 编码后写入；ttl 为 0 时使用 DefaultTTL
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	if err := m.client.Set(ctx, m.Key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Delete 删除键，空列表直接返回
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.client.Del(ctx, m.keys(keys)...).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// RunScript 原子执行 Lua 脚本（EVALSHA，必要时回退到 EVAL），keys 自动加前缀
func (m *Manager) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	res, err := script.Run(ctx, m.client, m.keys(keys), args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache script failed: %w", err)
	}
	return res, nil
}

// Ping 探活并刷新 Healthy 状态
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	err := m.client.Ping(ctx).Err()
	m.healthy.Store(err == nil)
	return err
}

// Healthy 最近一次探活结果
func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// Close 停止探活并关闭连接池，可重复调用
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)
	m.wg.Wait()
	m.logger.Info("closing cache manager")
	return m.client.Close()
}

// watch 定时探活，只在状态翻转时记日志
func (m *Manager) watch() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		was := m.healthy.Load()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := m.Ping(ctx)
		cancel()

		switch {
		case errors.Is(err, ErrManagerClosed):
			return
		case err != nil && was:
			m.logger.Warn("redis connection lost, cache and rate limiter degraded", zap.Error(err))
		case err == nil && !was:
			m.logger.Info("redis connection restored")
		}
	}
}
