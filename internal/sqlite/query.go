package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common/telemetry"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
)

// Result holds the rows of an ad-hoc query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Query executes an arbitrary statement and returns its rows.
func (s *Store) Query(ctx context.Context, query string) (*Result, error) {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		telemetry.RecordSQLQuery(true)
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		telemetry.RecordSQLQuery(true)
		return nil, err
	}
	result := &Result{Columns: cols}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			telemetry.RecordSQLQuery(true)
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		telemetry.RecordSQLQuery(true)
		return nil, err
	}
	telemetry.RecordSQLQuery(false)
	return result, nil
}

// Run executes query and renders the rows as a list of tuples, e.g.
// "[('P1', 1.0), ('P2', None)]". Failures are returned as "Error: <msg>" so
// callers can treat them as data. Statements without rows yield "".
func (s *Store) Run(ctx context.Context, query string) string {
	result, err := s.Query(ctx, query)
	if err != nil {
		s.logger.Warn("sqlite: query failed", "error", err)
		return "Error: " + err.Error()
	}
	if len(result.Rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, row := range result.Rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatLiteral(v))
		}
		if len(row) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	}
	b.WriteByte(']')
	return b.String()
}

func formatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(val) + "'"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		switch abs := math.Abs(val); {
		case math.IsInf(val, 0) || math.IsNaN(val):
			return strconv.FormatFloat(val, 'g', -1, 64)
		case abs >= 1e16 || (abs != 0 && abs < 1e-4):
			return strconv.FormatFloat(val, 'e', -1, 64)
		}
		s := strconv.FormatFloat(val, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	default:
		return fmt.Sprint(val)
	}
}

// TableInfo describes every table by its CREATE statement followed by up to
// three sample rows, the context a query author needs.
func (s *Store) TableInfo(ctx context.Context) (string, error) {
	var tables []struct {
		Name string         `db:"name"`
		SQL  sql.NullString `db:"sql"`
	}
	if err := s.db.SelectContext(ctx, &tables, `SELECT name, sql FROM sqlite_master WHERE type = 'table' ORDER BY name`); err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	var b strings.Builder
	for i, t := range tables {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(t.SQL.String))
		sample, err := s.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 3", quoteIdent(t.Name)))
		if err != nil {
			return "", fmt.Errorf("sample %s: %w", t.Name, err)
		}
		fmt.Fprintf(&b, "\n\n/*\n%d rows from %s table:\n%s", len(sample.Rows), t.Name, strings.Join(sample.Columns, "\t"))
		for _, row := range sample.Rows {
			cells := make([]string, len(row))
			for j, v := range row {
				if v == nil {
					cells[j] = "None"
				} else {
					cells[j] = fmt.Sprint(v)
				}
			}
			b.WriteString("\n" + strings.Join(cells, "\t"))
		}
		b.WriteString("\n*/")
	}
	return b.String(), nil
}

// ProjectionRow is the projection stored for one patient.
type ProjectionRow struct {
	PatientID string          `db:"patient_id"`
	X         sql.NullFloat64 `db:"x"`
	Y         sql.NullFloat64 `db:"y"`
	Cluster   sql.NullString  `db:"cluster"`
}

// Projections returns the projection columns of the patients table in row
// order.
func (s *Store) Projections(ctx context.Context) ([]ProjectionRow, error) {
	query := fmt.Sprintf(`SELECT COALESCE(%s, '') AS patient_id, %s AS x, %s AS y, %s AS cluster FROM %s ORDER BY rowid`,
		quoteIdent(table.PatientIDColumn), quoteIdent(XColumn), quoteIdent(YColumn), quoteIdent(ClusterColumn), quoteIdent(PatientsTable))
	rows := []ProjectionRow{}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select projections: %w", err)
	}
	return rows, nil
}
