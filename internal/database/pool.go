package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BaSui01/convertflow/config"
	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ErrPoolClosed is returned after Close.
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// 🗄️ 连接与连接池
// =============================================================================

// PoolConfig 连接池参数。审计写入量很小，默认值偏保守。
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    2,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// PoolConfigFrom 从数据库配置派生连接池配置，未设置的字段使用默认值
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	// sqlite 单文件，并发写只会互相等锁
	if cfg.Driver == "sqlite" {
		pc.MaxOpenConns = 1
		pc.MaxIdleConns = 1
	}
	return pc
}

// Dialector 根据驱动名返回 GORM 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN()), nil
	case "mysql":
		return mysql.Open(cfg.DSN()), nil
	case "sqlite":
		if cfg.Name == "" {
			return nil, fmt.Errorf("sqlite requires database.name (file path or :memory:)")
		}
		return sqlite.Open(cfg.DSN()), nil
	case "":
		return nil, fmt.Errorf("database driver not configured")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}
}

// Open 连接数据库，SQL 日志经 zap 输出
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*PoolManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger, cfg.SlowQuery),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	pm, err := NewPoolManager(db, PoolConfigFrom(cfg), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return pm, nil
}

// PoolManager 持有 GORM DB 并负责关闭；关闭后所有操作返回 ErrPoolClosed
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPoolManager 对已打开的 GORM DB 应用连接池参数
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "db_pool")),
	}, nil
}

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 就绪检查使用
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 连接池快照，由指标循环定时上报
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 关闭连接池，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在单个事务中执行 fn；fn 返回错误时回滚
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 对可重试错误（死锁、序列化失败、锁等待、连接中断）
// 以 50ms 起的指数退避重试，最多 attempts 次
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, attempts int, fn TransactionFunc) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 50 * time.Millisecond

	var err error
	for i := 1; i <= attempts; i++ {
		if err = pm.WithTransaction(ctx, fn); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		pm.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

// 可重试的 SQLSTATE / MySQL 错误号
var (
	retryablePgCodes = map[string]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"55P03": true, // lock_not_available
		"57P01": true, // admin_shutdown
	}
	retryableMySQLErrors = map[uint16]bool{
		1205: true, // ER_LOCK_WAIT_TIMEOUT
		1213: true, // ER_LOCK_DEADLOCK
	}
)

// IsRetryable 判断事务错误是否值得重试。优先按驱动错误类型判断，
// sqlite 驱动只暴露错误文本。
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code]
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return retryableMySQLErrors[myErr.Number]
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
