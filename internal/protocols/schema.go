package protocols

import (
	"fmt"
)

// DataType is a column's storage type.
type DataType uint8

const (
	UInt128 DataType = iota + 1
	Int64
	String
	Time64NS
)

func (d DataType) String() string {
	switch d {
	case UInt128:
		return "UINT128"
	case Int64:
		return "INT64"
	case String:
		return "STRING"
	case Time64NS:
		return "TIME64NS"
	default:
		return fmt.Sprintf("type(%d)", uint8(d))
	}
}

// Column is one table column.
type Column struct {
	Name string
	Type DataType
	Desc string
}

// Schema is the fixed column layout of one protocol's table.
type Schema struct {
	Name    string
	Columns []Column
}

// ColumnIndex returns the index of the named column, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that values match the column types.
func (s Schema) Validate(values []any) error {
	if len(values) != len(s.Columns) {
		return fmt.Errorf("%s: got %d values for %d columns", s.Name, len(values), len(s.Columns))
	}
	for i, c := range s.Columns {
		if !c.Type.accepts(values[i]) {
			return fmt.Errorf("%s: column %s (%s) got %T", s.Name, c.Name, c.Type, values[i])
		}
	}
	return nil
}

// UInt128Value is the storage form of UINT128 columns.
type UInt128Value struct {
	High uint64
	Low  uint64
}

func (d DataType) accepts(v any) bool {
	switch d {
	case UInt128:
		_, ok := v.(UInt128Value)
		return ok
	case Int64, Time64NS:
		_, ok := v.(int64)
		return ok
	case String:
		_, ok := v.(string)
		return ok
	default:
		return false
	}
}
