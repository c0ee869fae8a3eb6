package ingest

import (
	"errors"
	"fmt"
	"strings"

	"libraryapi/internal/validation"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RowFailure is one entry of Report.Errors. Errors holds either a map of
// field name to messages or a plain message. Rows is set only on the
// aggregate entry for dropped rows.
type RowFailure struct {
	Row    int         `json:"row"`
	Rows   []int       `json:"rows,omitempty"`
	Errors interface{} `json:"errors"`
}

type Report struct {
	TaskID                string       `json:"task_id"`
	File                  string       `json:"file"`
	Success               int          `json:"success"`
	Errors                []RowFailure `json:"errors"`
	TotalProcessed        int          `json:"total_processed"`
	ProcessingTimeSeconds float64      `json:"processing_time_seconds"`
}

func rowFailure(row int, err error) RowFailure {
	var rowErr *validation.RowError
	if errors.As(err, &rowErr) {
		fields := make(map[string][]string, len(rowErr.Fields))
		for _, f := range rowErr.Fields {
			fields[f.Field] = append(fields[f.Field], f.Message)
		}
		return RowFailure{Row: row, Errors: fields}
	}
	return RowFailure{Row: row, Errors: err.Error()}
}

const errorSampleSize = 5

func completionMessage(r Report) (subject, body string) {
	sample := r.Errors
	if len(sample) > errorSampleSize {
		sample = sample[:errorSampleSize]
	}
	encoded, err := json.Marshal(sample)
	if err != nil {
		encoded = []byte("[]")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your file %s has been processed.\n\n", r.File)
	fmt.Fprintf(&b, "Successfully processed: %d books\n", r.Success)
	fmt.Fprintf(&b, "Failed to process: %d\n\n", len(r.Errors))
	fmt.Fprintf(&b, "Error sample: %s\n\n", encoded)
	fmt.Fprintf(&b, "Task ID: %s", r.TaskID)
	return "CSV Processing Complete", b.String()
}

func failureMessage(run Run, cause string) (subject, body string) {
	return "CSV Processing Failed",
		fmt.Sprintf("Failed to process file %s after %d attempts.\n\nError: %s", run.File, run.Attempts, cause)
}
