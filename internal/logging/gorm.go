package logging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSlowQuery = 200 * time.Millisecond

// GormLogger writes gorm's query log through zap. A missing row is an expected outcome of a lookup,
// not a failure, so it is never logged.
type GormLogger struct {
	logger    *zap.Logger
	level     gormlogger.LogLevel
	slowQuery time.Duration
}

// NewGormLogger returns a gorm logger at warn level. A nil logger discards everything.
func NewGormLogger(logger *zap.Logger) *GormLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLogger{
		logger:    logger.Named("gorm"),
		level:     gormlogger.Warn,
		slowQuery: defaultSlowQuery,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copied := *l
	copied.level = level
	return &copied
}

func (l *GormLogger) Info(_ context.Context, message string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.Info(fmt.Sprintf(message, args...))
	}
}

func (l *GormLogger) Warn(_ context.Context, message string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(fmt.Sprintf(message, args...))
	}
}

func (l *GormLogger) Error(_ context.Context, message string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.Error(fmt.Sprintf(message, args...))
	}
}

func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		query, rows := fc()
		l.logger.Warn("database query failed",
			zap.String("sql", query),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	case l.slowQuery > 0 && elapsed > l.slowQuery && l.level >= gormlogger.Warn:
		query, rows := fc()
		l.logger.Warn("slow database query",
			zap.String("sql", query),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	case l.level >= gormlogger.Info:
		query, rows := fc()
		l.logger.Debug("database query", zap.String("sql", query), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}
