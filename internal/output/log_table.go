package output

import (
	"time"

	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"go.uber.org/zap"
)

// LogTable writes each record as one info-level log entry.
type LogTable struct {
	schema protocols.Schema
	logger *zap.Logger
}

// NewLogTable creates a log sink for schema.
func NewLogTable(schema protocols.Schema, logger *zap.Logger) *LogTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTable{
		schema: schema,
		logger: logger.Named("records").With(zap.String("table", schema.Name)),
	}
}

func (t *LogTable) Schema() protocols.Schema {
	return t.schema
}

func (t *LogTable) AppendRecord(rec protocols.Record) error {
	if err := validate(t.schema, rec); err != nil {
		return err
	}

	fields := make([]zap.Field, 0, len(t.schema.Columns))
	for i, c := range t.schema.Columns {
		switch v := rec.Values[i].(type) {
		case protocols.UInt128Value:
			fields = append(fields, zap.Stringer(c.Name, procmeta.FromUint128(v.High, v.Low)))
		case int64:
			if c.Type == protocols.Time64NS {
				fields = append(fields, zap.Time(c.Name, time.Unix(0, v)))
			} else {
				fields = append(fields, zap.Int64(c.Name, v))
			}
		case string:
			fields = append(fields, zap.String(c.Name, v))
		}
	}
	t.logger.Info("record", fields...)
	return nil
}
