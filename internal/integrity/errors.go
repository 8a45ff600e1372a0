package integrity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDataConsistency matches every *Error via errors.Is.
var ErrDataConsistency = errors.New("data consistency violation")

// Kind classifies a violation.
type Kind string

const (
	KindDuplicatePatientIDs Kind = "duplicate_patient_ids"
	KindDuplicateEventIDs   Kind = "duplicate_event_ids"
	KindDanglingPatientRefs Kind = "dangling_patient_refs"
	KindMissingColumn       Kind = "missing_column"
	KindReportMismatch      Kind = "report_mismatch"
	KindSourceChanged       Kind = "source_changed"
)

// Violation is one failed check with the ids that caused it.
type Violation struct {
	Kind   Kind
	IDs    []string
	Detail string
}

func (v Violation) String() string {
	var b strings.Builder
	switch v.Kind {
	case KindDuplicatePatientIDs:
		b.WriteString("patient data table contains non-unique pid values")
	case KindDuplicateEventIDs:
		b.WriteString("event data table contains non-unique eid values")
	case KindDanglingPatientRefs:
		b.WriteString("event data table contains invalid pid references")
	default:
		b.WriteString(string(v.Kind))
	}
	if v.Detail != "" {
		b.WriteString(": ")
		b.WriteString(v.Detail)
	}
	if len(v.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(v.IDs, ", "))
	}
	return b.String()
}

// Error aborts a run. It is never repaired automatically; the operator has to
// fix the sources or delete derived artifacts.
type Error struct {
	Violations []Violation
}

// NewError builds an Error holding a single violation.
func NewError(kind Kind, detail string, ids ...string) *Error {
	return &Error{Violations: []Violation{{Kind: kind, IDs: ids, Detail: detail}}}
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "data consistency: " + strings.Join(parts, "; ")
}

func (e *Error) Is(target error) bool {
	return target == ErrDataConsistency
}

// Has reports whether a violation of kind k is present.
func (e *Error) Has(k Kind) bool {
	for _, v := range e.Violations {
		if v.Kind == k {
			return true
		}
	}
	return false
}

// IDs returns the offending ids of kind k.
func (e *Error) IDs(k Kind) []string {
	for _, v := range e.Violations {
		if v.Kind == k {
			return v.IDs
		}
	}
	return nil
}
