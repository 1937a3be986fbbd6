package upload

import (
	"fmt"
	"strings"
)

// Validation stages, in evaluation order.
const (
	StageAmount    = "amount"
	StageColumn    = "column"
	StageValue     = "value"
	StageDuplicate = "duplicate"
)

// AdmissionError reports a batch rejected by a validation gate. Nothing was written.
type AdmissionError struct {
	Stage    string
	Messages []string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("upload rejected at %s gate: %s", e.Stage, strings.Join(e.Messages, "; "))
}

// IngestionError wraps a failure while persisting an admitted batch. The
// batch transaction was rolled back.
type IngestionError struct {
	FileID int64
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest file %d: %v", e.FileID, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }
