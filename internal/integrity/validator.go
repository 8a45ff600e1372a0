// Package integrity enforces id uniqueness and referential integrity between
// the patient and event tables.
package integrity

import (
	"sort"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
)

// DuplicateIDs sorts a copy of ids and reports every value that occurs more
// than once, each reported once, in sorted order.
func DuplicateIDs(ids []string) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	var dups []string
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			continue
		}
		if n := len(dups); n == 0 || dups[n-1] != sorted[i] {
			dups = append(dups, sorted[i])
		}
	}
	return dups
}

// DanglingReferences returns the unique refs missing from known, sorted.
func DanglingReferences(refs, known []string) []string {
	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, ref := range refs {
		if _, ok := set[ref]; ok {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Validate checks both tables and returns an *Error listing every violation,
// or nil.
func Validate(patients, events *table.Table) error {
	var violations []Violation
	if !patients.HasColumn(table.PatientIDColumn) {
		violations = append(violations, Violation{Kind: KindMissingColumn, Detail: "patients file has no pid column"})
	}
	if !events.HasColumn(table.EventIDColumn) {
		violations = append(violations, Violation{Kind: KindMissingColumn, Detail: "events file has no eid column"})
	}
	if !events.HasColumn(table.PatientIDColumn) {
		violations = append(violations, Violation{Kind: KindMissingColumn, Detail: "events file has no pid column"})
	}
	if len(violations) > 0 {
		return &Error{Violations: violations}
	}

	patientIDs := patients.Strings(table.PatientIDColumn)
	if dups := DuplicateIDs(patientIDs); len(dups) > 0 {
		violations = append(violations, Violation{Kind: KindDuplicatePatientIDs, IDs: dups})
	}
	if dups := DuplicateIDs(events.Strings(table.EventIDColumn)); len(dups) > 0 {
		violations = append(violations, Violation{Kind: KindDuplicateEventIDs, IDs: dups})
	}
	if dangling := DanglingReferences(events.Strings(table.PatientIDColumn), patientIDs); len(dangling) > 0 {
		violations = append(violations, Violation{Kind: KindDanglingPatientRefs, IDs: dangling})
	}
	if len(violations) > 0 {
		return &Error{Violations: violations}
	}
	return nil
}
