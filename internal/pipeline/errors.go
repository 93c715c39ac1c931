package pipeline

import "fmt"

// Stage names where processing of a record stopped.
type Stage string

const (
	StageDetect     Stage = "detect"
	StageDeidentify Stage = "deidentify"
	StageAudit      Stage = "audit"
	StageCanceled   Stage = "canceled"
)

// ProcessingError is returned by Process. When Retryable is set the caller
// may submit the same record again; masking is stable within a scope so the
// retry produces the same output.
type ProcessingError struct {
	RecordID  string
	Stage     Stage
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process record %q (%s): %v", e.RecordID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
