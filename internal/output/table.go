package output

import (
	"errors"
	"fmt"

	"github.com/mrzor/socket-tracer/internal/protocols"
)

var (
	// ErrTableFull means the table cannot take more rows right now.
	ErrTableFull = errors.New("table full")
	// ErrSchemaMismatch means a record does not fit the table's columns.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// DataTable is a sink for one protocol's records.
type DataTable interface {
	Schema() protocols.Schema
	AppendRecord(rec protocols.Record) error
}

func validate(schema protocols.Schema, rec protocols.Record) error {
	if err := schema.Validate(rec.Values); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	return nil
}

// Discard validates records and drops them.
type Discard struct {
	schema protocols.Schema
}

// NewDiscard creates a table that keeps nothing.
func NewDiscard(schema protocols.Schema) *Discard {
	return &Discard{schema: schema}
}

func (d *Discard) Schema() protocols.Schema {
	return d.schema
}

func (d *Discard) AppendRecord(rec protocols.Record) error {
	return validate(d.schema, rec)
}
