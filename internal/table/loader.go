package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

// ParseError reports a cell that could not be converted to its declared type.
type ParseError struct {
	Path   string
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s line %d column %q: invalid value %q: %v", e.Path, e.Line, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads a two-row-header CSV file into a typed table.
func Load(path string, logger *slog.Logger) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(path, f, logger)
}

// Parse reads a two-row-header CSV stream. name is used in log and error
// messages only.
func Parse(name string, r io.Reader, logger *slog.Logger) (*Table, error) {
	logger = common.LoggerOr(logger)
	reader := csv.NewReader(r)

	names, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: missing column name row", name)
		}
		return nil, fmt.Errorf("%s: read column names: %w", name, err)
	}
	tags, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: missing column type row", name)
		}
		return nil, fmt.Errorf("%s: read column types: %w", name, err)
	}
	if len(names) > 0 {
		names[0] = strings.TrimPrefix(names[0], "\ufeff")
	}

	columns, err := buildColumns(name, names, tags)
	if err != nil {
		return nil, err
	}
	t := &Table{Path: name, columns: columns, index: make(map[string]int, len(columns))}
	for i, col := range columns {
		t.index[col.Name] = i
	}

	invalidDates := 0
	for i := 0; ; i++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: read row %d: %w", name, i+3, err)
		}
		// Data starts after the two header rows; lines are 1-based.
		line := i + 2 + 1
		row := make([]Value, len(columns))
		for c, col := range columns {
			v, err := parseCell(record[c], col.Type)
			if err != nil {
				if col.Type == TypeDate {
					invalidDates++
					logger.Error("table: invalid date value",
						"file", name, "row", line, "column", col.Name, "value", record[c], "format", DateLayout, "error", err)
					row[c] = Value{Raw: record[c]}
					continue
				}
				return nil, &ParseError{Path: name, Line: line, Column: col.Name, Value: record[c], Err: err}
			}
			row[c] = v
		}
		t.rows = append(t.rows, row)
	}
	logger.Info("table: loaded", "file", name, "rows", len(t.rows), "columns", len(columns), "invalid_dates", invalidDates)
	return t, nil
}

func buildColumns(name string, names, tags []string) ([]Column, error) {
	if len(names) != len(tags) {
		return nil, fmt.Errorf("%s: %d column names but %d type tags", name, len(names), len(tags))
	}
	columns := make([]Column, len(names))
	seen := make(map[string]bool, len(names))
	for i := range names {
		col := Column{
			Name:   strings.TrimSpace(names[i]),
			Source: names[i],
			Type:   ColumnType(strings.ToLower(strings.TrimSpace(tags[i]))),
		}
		switch col.Type {
		case TypePID:
			col.Name = PatientIDColumn
		case TypeEID:
			col.Name = EventIDColumn
		}
		if seen[col.Name] {
			return nil, fmt.Errorf("%s: duplicate column %q", name, col.Name)
		}
		seen[col.Name] = true
		columns[i] = col
	}
	return columns, nil
}

func parseCell(raw string, t ColumnType) (Value, error) {
	v := Value{Raw: raw}
	text := strings.TrimSpace(raw)
	if text == "" {
		return v, nil
	}
	switch t {
	case TypeNumber:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return v, err
		}
		v.Num = f
	case TypeBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return v, err
		}
		v.Bool = b
	case TypeTimestamp:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return v, err
		}
		v.Int = n
	case TypeDate:
		ts, err := time.Parse(DateLayout, text)
		if err != nil {
			return v, err
		}
		v.Time = ts
	}
	v.Valid = true
	return v, nil
}
