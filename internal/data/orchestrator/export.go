package orchestrator

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/sqlite"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
)

var (
	projectionNames = []string{sqlite.XColumn, sqlite.YColumn, sqlite.ClusterColumn}
	projectionTypes = []string{string(table.TypeNumber), string(table.TypeNumber), string(table.TypeCategory)}
)

// ExportCSV renders the patients file in its source format with the
// projection columns appended: the two header rows, then the raw source cells
// of every patient followed by x, y and cluster from the relational store.
// Patients without a projection get empty cells.
func ExportCSV(patients *table.Table, rows []sqlite.ProjectionRow, mode sqlite.JoinMode) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	names, types := patients.HeaderRows()
	if err := w.Write(append(names, projectionNames...)); err != nil {
		return "", fmt.Errorf("export: write header: %w", err)
	}
	if err := w.Write(append(types, projectionTypes...)); err != nil {
		return "", fmt.Errorf("export: write type header: %w", err)
	}

	byID := make(map[string]sqlite.ProjectionRow, len(rows))
	if mode == sqlite.JoinByID {
		for _, r := range rows {
			byID[r.PatientID] = r
		}
	}
	ids := patients.Strings(table.PatientIDColumn)
	for i := 0; i < patients.Len(); i++ {
		src := patients.Row(i)
		record := make([]string, 0, len(src)+3)
		for _, v := range src {
			record = append(record, v.Raw)
		}
		var proj sqlite.ProjectionRow
		var ok bool
		if mode == sqlite.JoinByID {
			proj, ok = byID[ids[i]]
		} else if i < len(rows) {
			proj, ok = rows[i], true
		}
		record = append(record, projectionCells(proj, ok)...)
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("export: write row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return b.String(), nil
}

func projectionCells(r sqlite.ProjectionRow, ok bool) []string {
	cells := make([]string, 3)
	if !ok {
		return cells
	}
	if r.X.Valid {
		cells[0] = table.FormatNumber(r.X.Float64)
	}
	if r.Y.Valid {
		cells[1] = table.FormatNumber(r.Y.Float64)
	}
	if r.Cluster.Valid {
		cells[2] = r.Cluster.String
	}
	return cells
}
