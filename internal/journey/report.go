// Package journey renders one natural-language line per patient from the
// patient and event tables, and reads those lines back as documents.
package journey

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
)

// MetadataPID is the metadata field that carries the patient id of a document.
const MetadataPID = "PID"

const reportTemplate = `Patient information:
{{- range .Patient}} {{.Key}}: {{.Value}}{{end}}
The patients' journey through the hospital:
{{- range $i, $event := .Events}} Event {{inc $i}}:{{range $event}} {{.Key}}: {{.Value}}{{end}}{{end}}`

var tmpl = template.Must(template.New("journey").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(reportTemplate))

var flatten = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

type field struct {
	Key   string
	Value string
}

type journeyData struct {
	Patient []field
	Events  [][]field
}

// Render produces one line per patient, in patient row order. Each line
// starts with the patient id and a space.
func Render(patients, events *table.Table) ([]string, error) {
	if !patients.HasColumn(table.PatientIDColumn) {
		return nil, fmt.Errorf("journey: patients table has no %q column", table.PatientIDColumn)
	}
	if !events.HasColumn(table.PatientIDColumn) {
		return nil, fmt.Errorf("journey: events table has no %q column", table.PatientIDColumn)
	}

	byPatient := make(map[string][]int)
	for i, pid := range events.Strings(table.PatientIDColumn) {
		byPatient[pid] = append(byPatient[pid], i)
	}

	patientCols := patients.Columns()
	eventCols := events.Columns()
	ids := patients.Strings(table.PatientIDColumn)
	lines := make([]string, 0, len(ids))
	var b strings.Builder
	for i, pid := range ids {
		data := journeyData{Patient: fields(patientCols, patients.Row(i))}
		for _, row := range byPatient[pid] {
			data.Events = append(data.Events, fields(eventCols, events.Row(row)))
		}
		b.Reset()
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("journey: render %s: %w", pid, err)
		}
		lines = append(lines, pid+" "+strings.TrimSpace(flatten.Replace(b.String())))
	}
	return lines, nil
}

func fields(cols []table.Column, row []table.Value) []field {
	out := make([]field, len(cols))
	for i, col := range cols {
		out[i] = field{Key: col.Name, Value: row[i].String()}
	}
	return out
}
