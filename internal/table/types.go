package table

import (
	"strconv"
	"time"
)

// ColumnType is the type tag declared in the second header row.
type ColumnType string

const (
	TypePID       ColumnType = "pid"
	TypeEID       ColumnType = "eid"
	TypeString    ColumnType = "string"
	TypeBoolean   ColumnType = "boolean"
	TypeNumber    ColumnType = "number"
	TypeTimestamp ColumnType = "timestamp"
	TypeCategory  ColumnType = "category"
	TypeDate      ColumnType = "date"
)

const (
	PatientIDColumn = "Patient ID"
	EventIDColumn   = "Event ID"

	// DateLayout is the only accepted format for date cells (dd.mm.yyyy).
	DateLayout = "02.01.2006"
)

// Known reports whether t belongs to the fixed tag vocabulary.
func (t ColumnType) Known() bool {
	switch t {
	case TypePID, TypeEID, TypeString, TypeBoolean, TypeNumber, TypeTimestamp, TypeCategory, TypeDate:
		return true
	}
	return false
}

// Column describes one loaded column. Source keeps the header name as it
// appeared in the file; Name is the canonical name after id renaming.
type Column struct {
	Name   string
	Source string
	Type   ColumnType
}

// Value is a typed cell. Raw always holds the original text. Valid is false
// for empty cells and for dates that failed to parse.
type Value struct {
	Raw   string
	Valid bool
	Num   float64
	Bool  bool
	Int   int64
	Time  time.Time
}

func (v Value) String() string {
	return v.Raw
}

// Native returns the Go value for database drivers, or nil when the cell is
// missing. Dates are returned as their source text.
func (v Value) Native(t ColumnType) any {
	if !v.Valid {
		return nil
	}
	switch t {
	case TypeNumber:
		return v.Num
	case TypeBoolean:
		return v.Bool
	case TypeTimestamp:
		return v.Int
	default:
		return v.Raw
	}
}

// Table is an in-memory, column-typed view of one source file.
type Table struct {
	Path    string
	columns []Column
	index   map[string]int
	rows    [][]Value
}

func (t *Table) Columns() []Column {
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Row returns the cells of row i in column order.
func (t *Table) Row(i int) []Value {
	return t.rows[i]
}

// HasColumn reports whether a column with the canonical name exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Value returns the cell at row i of the named column.
func (t *Table) Value(i int, column string) (Value, bool) {
	idx, ok := t.index[column]
	if !ok {
		return Value{}, false
	}
	return t.rows[i][idx], true
}

// Strings returns the raw text of every cell in the named column.
func (t *Table) Strings(column string) []string {
	idx, ok := t.index[column]
	if !ok {
		return nil
	}
	out := make([]string, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[idx].Raw
	}
	return out
}

// HeaderRows reproduces the two header rows of the source file.
func (t *Table) HeaderRows() (names, types []string) {
	names = make([]string, len(t.columns))
	types = make([]string, len(t.columns))
	for i, col := range t.columns {
		names[i] = col.Source
		types[i] = string(col.Type)
	}
	return names, types
}

// FormatNumber renders a float the way exports print numeric cells.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
