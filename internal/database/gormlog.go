package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger 把 GORM 日志转到 zap：SQL 错误记 error，慢查询记 warn，
// 其余 SQL 仅在 debug 级别输出。记录不存在不算错误。
type GormLogger struct {
	logger    *zap.Logger
	level     gormlogger.LogLevel
	slowQuery time.Duration
}

var _ gormlogger.Interface = (*GormLogger)(nil)

// NewGormLogger slowQuery 为 0 时不记录慢查询
func NewGormLogger(logger *zap.Logger, slowQuery time.Duration) *GormLogger {
	return &GormLogger{
		logger:    logger.Named("gorm").WithOptions(zap.AddCallerSkip(3)),
		level:     gormlogger.Warn,
		slowQuery: slowQuery,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace 每条 SQL 执行后由 GORM 回调
func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.Error("sql failed",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	case l.slowQuery > 0 && elapsed > l.slowQuery && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.Warn("slow sql",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", l.slowQuery),
		)
	case l.level >= gormlogger.Info && l.logger.Core().Enabled(zap.DebugLevel):
		sql, rows := fc()
		l.logger.Debug("sql",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	}
}
