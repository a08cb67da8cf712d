package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{`SELECT * FROM "plans" WHERE id = $1`, "SELECT", "plans"},
		{`UPDATE "subscriptions" SET status = 'ACTIVE'`, "UPDATE", "subscriptions"},
		{`  (INSERT INTO credit_transactions (id) VALUES (1))`, "INSERT", "credit_transactions"},
		{`WITH due AS (SELECT id FROM subscriptions) DELETE FROM access_grants`, "SELECT", "subscriptions"},
		{``, "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestLogModeReturnsCopy(t *testing.T) {
	base := NewGormLogger(DefaultGormLoggerConfig())
	silent := base.LogMode(gormlogger.Silent).(*GormLogger)

	assert.Equal(t, gormlogger.Warn, base.level)
	assert.Equal(t, gormlogger.Silent, silent.level)
}

func TestGormLoggerConfigFor(t *testing.T) {
	assert.Equal(t, gormlogger.Info, GormLoggerConfigFor("DEBUG").Level)
	assert.Equal(t, gormlogger.Warn, GormLoggerConfigFor("info").Level)
	assert.Equal(t, gormlogger.Error, GormLoggerConfigFor("error").Level)
}

func TestTraceLogsFailuresButNotMissingRows(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	l := NewGormLogger(DefaultGormLoggerConfig())
	stmt := func() (string, int64) { return `SELECT * FROM "subscriptions"`, 0 }

	l.Trace(context.Background(), time.Now(), stmt, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now(), stmt, errors.New("connection reset"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.ErrorLevel, entry.Level)
	assert.Equal(t, "subscriptions", entry.ContextMap()["table"])

	l.Trace(context.Background(), time.Now().Add(-time.Second), stmt, nil)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[1].Level)
}
