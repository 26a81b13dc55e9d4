// Package workbook opens spreadsheet files read-only and exposes their
// cells through one format-neutral interface.
package workbook

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Excel grid limits.
const (
	MaxRows = 1048576
	MaxCols = 16384
)

// ErrUnsupportedFormat is returned by Open for extensions no reader handles.
var ErrUnsupportedFormat = eris.New("workbook: unsupported format")

// Kind is the runtime type of a cell.
type Kind uint8

// Cell kinds.
const (
	Empty Kind = iota
	String
	Number
	Bool
	Date
	Error
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case Date:
		return "date"
	case Error:
		return "error"
	default:
		return "empty"
	}
}

// Cell is a single cell value. Number holds the Excel serial for Date
// cells. Text holds the string content, or the error code for Error cells.
type Cell struct {
	Kind   Kind
	Text   string
	Number float64
	Bool   bool
	Time   time.Time
}

// Raw renders the cell for diagnostics.
func (c Cell) Raw() string {
	switch c.Kind {
	case String, Error:
		return c.Text
	case Number:
		return formatFloat(c.Number)
	case Bool:
		if c.Bool {
			return "TRUE"
		}
		return "FALSE"
	case Date:
		return c.Time.Format("2006-01-02")
	default:
		return ""
	}
}

// Sheet is one worksheet. Coordinates are 1-based; cells outside the used
// range are Empty.
type Sheet interface {
	Name() string
	Cell(row, col int) Cell
}

// Workbook is an open, read-only spreadsheet.
type Workbook interface {
	SheetNames() []string
	Sheet(name string) (Sheet, bool)
	Close() error
}

// Open opens path with the reader for its extension.
func Open(path string) (Workbook, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return openXLSX(path)
	case ".xlsb":
		return openXLSB(path)
	case ".csv":
		return openCSV(path)
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "workbook: %s", filepath.Base(path))
	}
}

// ResolveSheet finds the sheet matching name: exact first, then
// case-insensitive, then the first sheet whose name contains it
// case-insensitively.
func ResolveSheet(wb Workbook, name string) (Sheet, bool) {
	if s, ok := wb.Sheet(name); ok {
		return s, true
	}
	names := wb.SheetNames()
	want := strings.TrimSpace(name)
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), want) {
			return wb.Sheet(n)
		}
	}
	if want == "" {
		return nil, false
	}
	lower := strings.ToLower(want)
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), lower) {
			return wb.Sheet(n)
		}
	}
	return nil, false
}

// ReadRows returns every row of the named sheet as display strings, out to
// the longest row. It is used for tabular sheets such as the reference table.
func ReadRows(path, sheet string) ([][]string, error) {
	wb, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer wb.Close() //nolint:errcheck

	s, ok := ResolveSheet(wb, sheet)
	if !ok {
		return nil, eris.Errorf("workbook: sheet %q not found in %s", sheet, filepath.Base(path))
	}
	r, ok := s.(rowReader)
	if !ok {
		return nil, eris.Errorf("workbook: sheet %q does not support row reads", sheet)
	}
	return r.rows(), nil
}

type rowReader interface {
	rows() [][]string
}
