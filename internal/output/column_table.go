package output

import (
	"sync"

	"github.com/mrzor/socket-tracer/internal/protocols"
)

// ColumnTable stores rows column by column. A positive capacity makes
// AppendRecord return ErrTableFull once that many rows are held.
type ColumnTable struct {
	mu       sync.Mutex
	schema   protocols.Schema
	capacity int
	columns  [][]any
	rows     int
}

// NewColumnTable creates an empty table. capacity <= 0 means unbounded.
func NewColumnTable(schema protocols.Schema, capacity int) *ColumnTable {
	return &ColumnTable{
		schema:   schema,
		capacity: capacity,
		columns:  make([][]any, len(schema.Columns)),
	}
}

func (t *ColumnTable) Schema() protocols.Schema {
	return t.schema
}

// AppendRecord adds rec as a row.
func (t *ColumnTable) AppendRecord(rec protocols.Record) error {
	if err := validate(t.schema, rec); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capacity > 0 && t.rows >= t.capacity {
		return ErrTableFull
	}
	for i, v := range rec.Values {
		t.columns[i] = append(t.columns[i], v)
	}
	t.rows++
	return nil
}

// Len returns the number of rows held.
func (t *ColumnTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// Column returns a copy of the named column, or nil.
func (t *ColumnTable) Column(name string) []any {
	i := t.schema.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.columns[i]...)
}

// Row returns row i in column order.
func (t *ColumnTable) Row(i int) []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= t.rows {
		return nil
	}
	row := make([]any, len(t.columns))
	for c := range t.columns {
		row[c] = t.columns[c][i]
	}
	return row
}

// Reset empties the table, making room for capacity more rows.
func (t *ColumnTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.columns {
		t.columns[i] = nil
	}
	t.rows = 0
}
