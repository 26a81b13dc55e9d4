package model

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// TypeHint is the expected type of a referenced cell.
type TypeHint string

// Type hints. HintAny accepts whatever the cell holds.
const (
	HintAny    TypeHint = ""
	HintText   TypeHint = "text"
	HintNumber TypeHint = "number"
	HintDate   TypeHint = "date"
)

// ParseTypeHint maps the free-form type column of the reference sheet to a
// hint. ok is false for unrecognized non-empty input.
func ParseTypeHint(s string) (TypeHint, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return HintAny, true
	case "text", "string", "str":
		return HintText, true
	case "number", "numeric", "float", "int", "integer", "currency", "percent", "percentage", "decimal":
		return HintNumber, true
	case "date", "datetime":
		return HintDate, true
	case "any", "general":
		return HintAny, true
	default:
		return HintAny, false
	}
}

// RefKind distinguishes the shapes a reference-table row can take.
type RefKind uint8

// Reference kinds.
const (
	RefCell RefKind = iota
	RefRange
	RefLiteral
)

// CellRef is one row of the cell reference table.
type CellRef struct {
	Field   string   `json:"field"`
	Sheet   string   `json:"sheet,omitempty"`
	Cell    string   `json:"cell,omitempty"`
	Kind    RefKind  `json:"kind"`
	Hint    TypeHint `json:"hint,omitempty"`
	Literal string   `json:"literal,omitempty"`

	// 1-based coordinates. For RefCell End* equal the start.
	Row    int `json:"row,omitempty"`
	Col    int `json:"col,omitempty"`
	EndRow int `json:"end_row,omitempty"`
	EndCol int `json:"end_col,omitempty"`
}

var coordRe = regexp.MustCompile(`^\$?([A-Za-z]{1,3})\$?([0-9]+)$`)

// ParseCoordinate parses "D6" or "$D$6" into 1-based row and column.
func ParseCoordinate(s string) (row, col int, err error) {
	m := coordRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, eris.Errorf("cellref: invalid coordinate %q", s)
	}
	row, err = strconv.Atoi(m[2])
	if err != nil || row < 1 {
		return 0, 0, eris.Errorf("cellref: invalid row in %q", s)
	}
	return row, ColumnIndex(m[1]), nil
}

// ColumnIndex converts column letters to a 1-based index (A=1, AA=27).
func ColumnIndex(letters string) int {
	n := 0
	for _, c := range strings.ToUpper(letters) {
		n = n*26 + int(c-'A'+1)
	}
	return n
}

// ColumnLetters is the inverse of ColumnIndex.
func ColumnLetters(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}
