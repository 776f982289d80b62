package logging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLoggerSkipsMissingRows(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewGormLogger(zap.New(core))
	query := func() (string, int64) { return "SELECT * FROM kv WHERE kv_key = 'session'", 0 }

	logger.Trace(context.Background(), time.Now(), query, gorm.ErrRecordNotFound)
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries for a missing row, got %d", logs.Len())
	}

	logger.Trace(context.Background(), time.Now(), query, errors.New("no such table: kv"))
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Message != "database query failed" || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected entry %q at %s", entries[0].Message, entries[0].Level)
	}
	if got := entries[0].ContextMap()["sql"]; got != "SELECT * FROM kv WHERE kv_key = 'session'" {
		t.Fatalf("expected the statement in the entry, got %v", got)
	}
}

func TestGormLoggerSilentMode(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewGormLogger(zap.New(core)).LogMode(gormlogger.Silent)

	logger.Trace(context.Background(), time.Now().Add(-time.Hour), func() (string, int64) { return "SELECT 1", 1 }, errors.New("boom"))
	logger.Error(context.Background(), "failed %d", 1)
	if logs.Len() != 0 {
		t.Fatalf("expected silence, got %d entries", logs.Len())
	}
}

func TestGormLoggerReportsSlowQueries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewGormLogger(zap.New(core))

	logger.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 1", 1 }, nil)
	logger.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	entries := logs.FilterMessage("slow database query").All()
	if len(entries) != 1 {
		t.Fatalf("expected one slow query entry, got %d", logs.Len())
	}
	if logs.Len() != 1 {
		t.Fatalf("fast queries are not logged at warn level, got %d entries", logs.Len())
	}
}
