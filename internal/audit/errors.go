package audit

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by appends on a closed logger.
var ErrClosed = errors.New("audit: logger closed")

// AuditWriteError reports an append that did not durably commit. The record
// being processed must not be released.
type AuditWriteError struct {
	Sequence  int64
	Retryable bool
	Err       error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit append (seq %d): %v", e.Sequence, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }
