package journey

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/integrity"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
)

// Document is one report line addressed by its patient id.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Write stores lines newline-terminated. The file is written next to path and
// renamed into place so readers never see a partial report.
func Write(path string, lines []string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("journey: create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("journey: write report: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("journey: flush report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journey: sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journey: close report: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Ensure generates the report at path when it does not exist. An existing
// report is only checked for plausibility: its first line must start with the
// first patient id and it must have one line per patient. Interior lines are
// not compared.
func Ensure(path string, patients, events *table.Table, logger *slog.Logger) (bool, error) {
	logger = common.LoggerOr(logger)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("journey: stat report: %w", err)
		}
		lines, err := Render(patients, events)
		if err != nil {
			return false, err
		}
		if err := Write(path, lines); err != nil {
			return false, err
		}
		logger.Info("journey: report generated", "path", path, "patients", len(lines))
		return true, nil
	}
	if err := CheckPlausible(path, patients.Strings(table.PatientIDColumn)); err != nil {
		return false, err
	}
	logger.Info("journey: existing report accepted", "path", path)
	return false, nil
}

// CheckPlausible runs the cheap consistency check against an existing report.
func CheckPlausible(path string, patientIDs []string) error {
	first, count, err := scanReport(path)
	if err != nil {
		return err
	}
	if len(patientIDs) > 0 && !strings.HasPrefix(first, patientIDs[0]+" ") {
		return integrity.NewError(integrity.KindReportMismatch,
			fmt.Sprintf("first line of %s does not start with patient id %s", path, patientIDs[0]), patientIDs[0])
	}
	if count != len(patientIDs) {
		return integrity.NewError(integrity.KindReportMismatch,
			fmt.Sprintf("%s has %d lines but there are %d patients", path, count, len(patientIDs)))
	}
	return nil
}

func scanReport(path string) (first string, count int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("journey: open report: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 8<<20)
	for scanner.Scan() {
		if count == 0 {
			first = scanner.Text()
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("journey: scan report: %w", err)
	}
	return first, count, nil
}

// ReadDocuments loads every non-empty report line. The id is the first token
// of the line; the text is the whole line.
func ReadDocuments(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journey: open report: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 8<<20)
	var docs []Document
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, _, _ := strings.Cut(line, " ")
		docs = append(docs, Document{ID: id, Text: line, Metadata: map[string]string{MetadataPID: id}})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journey: scan report: %w", err)
	}
	return docs, nil
}
