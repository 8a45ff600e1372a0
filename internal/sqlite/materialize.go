package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/projection"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
)

const (
	PatientsTable = "patients"
	EventsTable   = "events"

	XColumn       = "2D X"
	YColumn       = "2D Y"
	ClusterColumn = "Cluster"
)

// JoinMode decides how projection points are matched to patient rows.
type JoinMode string

const (
	// JoinPositional gives row i the i-th point.
	JoinPositional JoinMode = "positional"
	// JoinByID matches points to rows by patient id.
	JoinByID JoinMode = "id"
)

// Materialize writes the patients table extended with the projection columns
// and the events table to a fresh file at cfg.Path and opens it. The file is
// built next to the target and renamed into place after commit, so an
// interrupted run never leaves a half-written store behind.
func Materialize(ctx context.Context, cfg Config, patients, events *table.Table, points []projection.Point, mode JoinMode, logger *slog.Logger) (*Store, error) {
	logger = common.LoggerOr(logger)
	final := cfg.Path
	tmp := final + ".tmp"
	for _, stale := range []string{tmp, tmp + "-journal"} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("sqlite: remove stale %s: %w", stale, err)
		}
	}
	tmpCfg := cfg
	tmpCfg.Path = tmp
	store, err := open(tmpCfg, logger)
	if err != nil {
		return nil, err
	}
	assigned := joinPoints(patients, points, mode, logger)
	err = withTx(ctx, store.db, func(tx *sqlx.Tx) error {
		if err := writeTable(ctx, tx, PatientsTable, patients, assigned); err != nil {
			return err
		}
		return writeTable(ctx, tx, EventsTable, events, nil)
	})
	if cerr := store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("sqlite: materialize: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("sqlite: move %s into place: %w", tmp, err)
	}
	logger.Info("sqlite: relational store materialized", "path", final, "patients", patients.Len(), "events", events.Len(), "join", mode)
	return open(cfg, logger)
}

// joinPoints returns one point per patient row; rows without a point are nil.
func joinPoints(patients *table.Table, points []projection.Point, mode JoinMode, logger *slog.Logger) []*projection.Point {
	out := make([]*projection.Point, patients.Len())
	switch mode {
	case JoinByID:
		byID := make(map[string]*projection.Point, len(points))
		for i := range points {
			byID[points[i].ID] = &points[i]
		}
		ids := patients.Strings(table.PatientIDColumn)
		for i, id := range ids {
			out[i] = byID[id]
		}
	default:
		for i := range out {
			if i < len(points) {
				out[i] = &points[i]
			}
		}
		if len(points) > len(out) {
			logger.Warn("sqlite: dropping projection points without a patient row", "points", len(points), "patients", len(out))
		}
	}
	missing := 0
	for _, p := range out {
		if p == nil {
			missing++
		}
	}
	if missing > 0 {
		logger.Warn("sqlite: patients without projection", "count", missing, "join", mode)
	}
	return out
}

func sqlType(t table.ColumnType) string {
	switch t {
	case table.TypeNumber:
		return "REAL"
	case table.TypeBoolean, table.TypeTimestamp:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func writeTable(ctx context.Context, tx *sqlx.Tx, name string, t *table.Table, points []*projection.Point) error {
	cols := t.Columns()
	defs := make([]string, 0, len(cols)+3)
	for _, col := range cols {
		defs = append(defs, quoteIdent(col.Name)+" "+sqlType(col.Type))
	}
	if points != nil {
		defs = append(defs,
			quoteIdent(XColumn)+" REAL",
			quoteIdent(YColumn)+" REAL",
			quoteIdent(ClusterColumn)+" TEXT",
		)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(defs)), ", ")
	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), placeholders))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", name, err)
	}
	defer stmt.Close()
	args := make([]any, len(defs))
	for i := 0; i < t.Len(); i++ {
		for j, v := range t.Row(i) {
			args[j] = sqlValue(v, cols[j].Type)
		}
		if points != nil {
			n := len(cols)
			if p := points[i]; p != nil {
				args[n], args[n+1], args[n+2] = p.X, p.Y, strconv.Itoa(p.Cluster)
			} else {
				args[n], args[n+1], args[n+2] = nil, nil, nil
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s row %d: %w", name, i, err)
		}
	}
	return nil
}

func sqlValue(v table.Value, t table.ColumnType) any {
	native := v.Native(t)
	if b, ok := native.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return native
}
