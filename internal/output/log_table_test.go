package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogTable(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	table := NewLogTable(testSchema, zap.New(core))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, table.AppendRecord(testRecord("users", ts.UnixNano(), 42)))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "record", entries[0].Message)
	assert.Equal(t, "records", entries[0].LoggerName)

	fields := entries[0].ContextMap()
	assert.Equal(t, "test_events", fields["table"])
	assert.Equal(t, "321:9000", fields["upid"])
	assert.Equal(t, "users", fields["name"])
	assert.Equal(t, int64(42), fields["latency_ns"])
	assert.True(t, ts.Equal(fields["timestamp"].(time.Time)))
}

func TestLogTable_SchemaMismatch(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	table := NewLogTable(testSchema, zap.New(core))

	rec := testRecord("users", 1, 0)
	rec.Values[1] = int64(7)
	assert.ErrorIs(t, table.AppendRecord(rec), ErrSchemaMismatch)
	assert.Zero(t, logs.Len())
}
