package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/BaSui01/convertflow/config"
	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// newMockPool 用 sqlmock 驱动 postgres 方言
func newMockPool(t *testing.T) (*PoolManager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2}, zap.NewNop())
	require.NoError(t, err)
	return pm, mock
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManager_PingAndStats(t *testing.T) {
	pm, mock := newMockPool(t)

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pm.Ping(context.Background()))

	assert.Equal(t, 4, pm.Stats().MaxOpenConnections)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	pm, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectCommit()
	assert.NoError(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	err := pm.WithTransaction(context.Background(), func(*gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_RetryOnDeadlock(t *testing.T) {
	pm, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_RetryExhausted(t *testing.T) {
	pm, mock := newMockPool(t)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	busy := errors.New("database is locked (5) (SQLITE_BUSY)")
	err := pm.WithTransactionRetry(context.Background(), 2, func(*gorm.DB) error { return busy })
	require.Error(t, err)
	assert.ErrorIs(t, err, busy)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestPoolManager_NoRetryOnConstraint(t *testing.T) {
	pm, mock := newMockPool(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		attempts++
		return &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPoolManager_Close(t *testing.T) {
	pm, mock := newMockPool(t)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg wrapped deadlock", fmt.Errorf("append: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"mysql deadlock", &mysqldriver.MySQLError{Number: 1213}, true},
		{"mysql lock wait", &mysqldriver.MySQLError{Number: 1205}, true},
		{"mysql duplicate", &mysqldriver.MySQLError{Number: 1062}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"sqlite busy", errors.New("database is locked"), true},
		{"syntax", errors.New("syntax error at or near"), false},
		{"closed", ErrPoolClosed, false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

// =============================================================================
// 🔌 Dialector / Open
// =============================================================================

func TestDialector(t *testing.T) {
	for _, name := range []string{"postgres", "mysql"} {
		d, err := Dialector(config.DatabaseConfig{Driver: name, Host: "localhost", Port: 5432, Name: "convertflow"})
		require.NoError(t, err, name)
		assert.Equal(t, name, d.Name())
	}

	for _, cfg := range []config.DatabaseConfig{{}, {Driver: "oracle"}, {Driver: "sqlite"}} {
		_, err := Dialector(cfg)
		assert.Error(t, err, cfg.Driver)
	}
}

func TestOpenSQLite(t *testing.T) {
	pm, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	require.NoError(t, pm.Ping(context.Background()))
	var one int
	require.NoError(t, pm.DB().Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
	assert.Equal(t, 1, pm.Stats().MaxOpenConnections)
}

func TestPoolConfigFrom(t *testing.T) {
	assert.Equal(t, DefaultPoolConfig(), PoolConfigFrom(config.DatabaseConfig{Driver: "postgres"}))

	pc := PoolConfigFrom(config.DatabaseConfig{Driver: "mysql", MaxOpenConns: 3, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 3, pc.MaxOpenConns)
	assert.Equal(t, 1, pc.MaxIdleConns)
	assert.Equal(t, time.Minute, pc.ConnMaxLifetime)

	// sqlite 强制单连接
	pc = PoolConfigFrom(config.DatabaseConfig{Driver: "sqlite", MaxOpenConns: 8})
	assert.Equal(t, 1, pc.MaxOpenConns)
}
