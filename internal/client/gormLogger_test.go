package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func captureGlobalLog(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestGormLoggerTrace(t *testing.T) {
	ctx := context.Background()
	query := func() (string, int64) { return "SELECT * FROM users", 1 }

	t.Run("failed query logged as structured error", func(t *testing.T) {
		buf := captureGlobalLog(t)

		newGormLogger(gormlogger.Warn).Trace(ctx, time.Now(), query, errors.New("database is locked"))

		assert.Contains(t, buf.String(), `"level":"error"`)
		assert.Contains(t, buf.String(), `"component":"gorm"`)
		assert.Contains(t, buf.String(), `"error":"database is locked"`)
		assert.Contains(t, buf.String(), `"sql":"SELECT * FROM users"`)
	})

	t.Run("record not found is not an error", func(t *testing.T) {
		buf := captureGlobalLog(t)

		newGormLogger(gormlogger.Warn).Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)

		assert.Empty(t, buf.String())
	})

	t.Run("slow query warned", func(t *testing.T) {
		buf := captureGlobalLog(t)

		newGormLogger(gormlogger.Warn).Trace(ctx, time.Now().Add(-time.Second), query, nil)

		assert.Contains(t, buf.String(), `"level":"warn"`)
		assert.Contains(t, buf.String(), `"message":"slow query"`)
	})

	t.Run("fast query quiet at warn level", func(t *testing.T) {
		buf := captureGlobalLog(t)

		newGormLogger(gormlogger.Warn).Trace(ctx, time.Now(), query, nil)

		assert.Empty(t, buf.String())
	})

	t.Run("silent mode drops everything", func(t *testing.T) {
		buf := captureGlobalLog(t)

		newGormLogger(gormlogger.Warn).LogMode(gormlogger.Silent).Trace(ctx, time.Now(), query, errors.New("boom"))

		assert.Empty(t, buf.String())
	})
}

func TestGormLoggerPrefersRequestLogger(t *testing.T) {
	global := captureGlobalLog(t)

	var scoped bytes.Buffer
	ctx := zerolog.New(&scoped).With().Str("request_id", "req_1").Logger().WithContext(context.Background())

	newGormLogger(gormlogger.Warn).Warn(ctx, "pool nearly exhausted: %d", 49)

	assert.Empty(t, global.String())
	assert.Contains(t, scoped.String(), `"request_id":"req_1"`)
	assert.Contains(t, scoped.String(), `"message":"pool nearly exhausted: 49"`)
}
