package model

import "time"

// Record is the flat result of extracting one workbook. Fields is keyed by
// canonical field name and holds every reference-table field.
type Record struct {
	File        CandidateFile    `json:"file"`
	Fields      map[string]Value `json:"fields"`
	Order       []string         `json:"order"`
	Diagnostics []Diagnostic     `json:"diagnostics,omitempty"`
	ExtractedAt time.Time        `json:"extracted_at"`
}

// NewRecord returns an empty record for file.
func NewRecord(file CandidateFile, size int) *Record {
	return &Record{
		File:   file,
		Fields: make(map[string]Value, size),
		Order:  make([]string, 0, size),
	}
}

// Set stores a field value, remembering first-seen order.
func (r *Record) Set(field string, v Value) {
	if _, ok := r.Fields[field]; !ok {
		r.Order = append(r.Order, field)
	}
	r.Fields[field] = v
}

// DiagnosticKind classifies a non-fatal extraction note.
type DiagnosticKind string

// Diagnostic kinds.
const (
	DiagTypeMismatch DiagnosticKind = "type_mismatch"
	DiagMissingSheet DiagnosticKind = "missing_sheet"
	DiagOutOfBounds  DiagnosticKind = "out_of_bounds"
	DiagCellError    DiagnosticKind = "cell_error"
)

// Diagnostic is an informational note attributable to one file and field.
type Diagnostic struct {
	Kind     DiagnosticKind `json:"kind"`
	Path     string         `json:"path"`
	Field    string         `json:"field"`
	Sheet    string         `json:"sheet,omitempty"`
	Cell     string         `json:"cell,omitempty"`
	Expected TypeHint       `json:"expected,omitempty"`
	Raw      string         `json:"raw,omitempty"`
}

// FailureKind classifies why a workbook produced no record.
type FailureKind string

// Failure kinds.
const (
	FailOpen        FailureKind = "open"
	FailUnsupported FailureKind = "unsupported"
	FailTimeout     FailureKind = "timeout"
	FailCanceled    FailureKind = "canceled"
)

// Failure is a per-file extraction failure. It implements error.
type Failure struct {
	Path  string      `json:"path"`
	Name  string      `json:"file_name"`
	Kind  FailureKind `json:"kind"`
	Cause string      `json:"cause"`
	Err   error       `json:"-" yaml:"-"`
}

func (f *Failure) Error() string {
	return "extract " + f.Path + ": " + string(f.Kind) + ": " + f.Cause
}

func (f *Failure) Unwrap() error { return f.Err }

// Row is the persisted, storage-named form of a record. Path is the
// absolute file path key.
type Row struct {
	Path    string           `json:"absolute_file_path"`
	Columns map[string]Value `json:"columns"`
}

// Get returns a column value, Missing when absent.
func (r Row) Get(column string) Value {
	return r.Columns[column]
}
