package privacy

import (
	"fmt"
	"sort"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

// Record is a clinical record handed to the detector: a mapping from field name
// to value plus an optional list of free-text fields.
type Record struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	FreeText  []string       `json:"free_text,omitempty"`
}

// PHIEntity is one detected PHI span. Offsets are byte offsets into the
// field's rendered text. Entities are held in memory for one record only.
type PHIEntity struct {
	EntityType    rules.EntityType
	Start         int
	End           int
	SourceField   string
	RawValue      string
	Confidence    float64
	RuleID        string
	LowConfidence bool

	priority int
	order    int
}

// Len returns the span length in bytes.
func (e PHIEntity) Len() int { return e.End - e.Start }

func (e PHIEntity) overlaps(o PHIEntity) bool {
	return e.Start < o.End && o.Start < e.End
}

// String never includes the raw value.
func (e PHIEntity) String() string {
	return fmt.Sprintf("%s %s[%d:%d] rule=%s conf=%.2f", e.EntityType, e.SourceField, e.Start, e.End, e.RuleID, e.Confidence)
}

// ErrorKind classifies a field-level detection failure.
type ErrorKind string

const (
	ErrKindType     ErrorKind = "type"
	ErrKindEncoding ErrorKind = "encoding"
)

// DetectionError reports a field that could not be inspected. It is scoped to
// the field: the rest of the record is still scanned and the field is masked.
type DetectionError struct {
	Field string
	Kind  ErrorKind
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect field %q: %s: %v", e.Field, e.Kind, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Result is the output of one detection pass.
type Result struct {
	// Entities are sorted by field, then start offset. Spans never overlap
	// within a field.
	Entities []PHIEntity

	// Values holds the rendered text of every inspected field.
	Values map[string]string

	// Errors lists fields that failed open.
	Errors []*DetectionError
}

// ByField groups entities by source field, preserving offset order.
func (r *Result) ByField() map[string][]PHIEntity {
	out := make(map[string][]PHIEntity)
	for _, e := range r.Entities {
		out[e.SourceField] = append(out[e.SourceField], e)
	}
	return out
}

// FailedFields returns the names of fields that failed open, sorted.
func (r *Result) FailedFields() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Field)
	}
	sort.Strings(out)
	return out
}

// LowConfidence counts entities below the confidence floor.
func (r *Result) LowConfidence() int {
	n := 0
	for _, e := range r.Entities {
		if e.LowConfidence {
			n++
		}
	}
	return n
}
