// Package reftable loads the cell reference table that tells the
// extraction engine which workbook cells hold which fields.
package reftable

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/uwdash/internal/model"
)

// Header aliases, compared after lower-casing and collapsing whitespace.
var (
	fieldHeaders = []string{"dataframe column names", "dataframe column name", "field", "field name", "column name"}
	refHeaders   = []string{"values reference range", "value reference range", "reference", "cell reference"}
	sheetHeaders = []string{"sheet", "sheet name"}
	cellHeaders  = []string{"cell", "cell address", "coordinate"}
	typeHeaders  = []string{"type", "data type", "type hint", "expected type"}
)

// headerScanRows bounds how far down the header row may sit.
const headerScanRows = 10

// Table is a parsed reference table. Entries keep sheet order; field names
// are unique.
type Table struct {
	Entries  []model.CellRef
	Warnings []string
}

// Fields returns every record field the table produces, in entry order.
// Single-row ranges fan out into one field per column.
func (t *Table) Fields() []string {
	var out []string
	for _, e := range t.Entries {
		out = append(out, Expand(e)...)
	}
	return out
}

// Expand returns the field names produced by one entry.
func Expand(e model.CellRef) []string {
	if e.Kind == model.RefRange && e.Row == e.EndRow && e.Col != e.EndCol {
		names := make([]string, 0, e.EndCol-e.Col+1)
		for c := e.Col; c <= e.EndCol; c++ {
			names = append(names, e.Field+"_"+model.ColumnLetters(c))
		}
		return names
	}
	return []string{e.Field}
}

type columns struct {
	field, ref, sheet, cell, hint int
}

// Parse builds a Table from sheet rows. Malformed rows are skipped and
// noted in Warnings. It fails only when no header row can be found.
func Parse(rows [][]string) (*Table, error) {
	hdr, cols, ok := findHeader(rows)
	if !ok {
		return nil, eris.New("reftable: header row not found")
	}

	t := &Table{}
	seen := make(map[string]bool)
	for i := hdr + 1; i < len(rows); i++ {
		row := rows[i]
		line := i + 1
		field := strings.TrimSpace(at(row, cols.field))
		if field == "" {
			if !blank(row) {
				t.warn(line, "missing field name")
			}
			continue
		}
		ref, err := parseRow(field, row, cols)
		if err != nil {
			t.warn(line, err.Error())
			continue
		}
		if seen[field] {
			t.warn(line, fmt.Sprintf("duplicate field %q ignored", field))
			continue
		}
		seen[field] = true
		t.Entries = append(t.Entries, ref)
	}
	return t, nil
}

func (t *Table) warn(line int, msg string) {
	t.Warnings = append(t.Warnings, fmt.Sprintf("row %d: %s", line, msg))
}

func parseRow(field string, row []string, cols columns) (model.CellRef, error) {
	ref := model.CellRef{Field: field}

	if cols.hint >= 0 {
		hint, ok := model.ParseTypeHint(at(row, cols.hint))
		if !ok {
			return ref, eris.Errorf("unknown type hint %q", at(row, cols.hint))
		}
		ref.Hint = hint
	}

	var sheet, cell string
	if cols.ref >= 0 && strings.TrimSpace(at(row, cols.ref)) != "" {
		raw := strings.TrimSpace(at(row, cols.ref))
		idx := strings.LastIndex(raw, "!")
		if idx < 0 {
			ref.Kind = model.RefLiteral
			ref.Literal = raw
			return ref, nil
		}
		sheet, cell = unquoteSheet(raw[:idx]), raw[idx+1:]
	} else if cols.sheet >= 0 && cols.cell >= 0 {
		sheet, cell = strings.TrimSpace(at(row, cols.sheet)), strings.TrimSpace(at(row, cols.cell))
	}
	if sheet == "" {
		return ref, eris.New("missing sheet name")
	}
	if strings.TrimSpace(cell) == "" {
		return ref, eris.New("missing cell coordinate")
	}
	ref.Sheet = sheet
	ref.Cell = strings.ReplaceAll(strings.TrimSpace(cell), "$", "")

	start, end, isRange := strings.Cut(cell, ":")
	r1, c1, err := model.ParseCoordinate(start)
	if err != nil {
		return ref, err
	}
	ref.Row, ref.Col, ref.EndRow, ref.EndCol = r1, c1, r1, c1
	ref.Kind = model.RefCell
	if !isRange {
		return ref, nil
	}
	r2, c2, err := model.ParseCoordinate(end)
	if err != nil {
		return ref, err
	}
	if r2 < r1 {
		r1, r2 = r2, r1
	}
	if c2 < c1 {
		c1, c2 = c2, c1
	}
	ref.Row, ref.Col, ref.EndRow, ref.EndCol = r1, c1, r2, c2
	if r1 != r2 || c1 != c2 {
		ref.Kind = model.RefRange
	}
	return ref, nil
}

// unquoteSheet strips the quotes Excel puts around sheet names with spaces.
func unquoteSheet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		s = strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return strings.TrimSpace(s)
}

func findHeader(rows [][]string) (int, columns, bool) {
	for i := 0; i < len(rows) && i < headerScanRows; i++ {
		cols := columns{field: -1, ref: -1, sheet: -1, cell: -1, hint: -1}
		for j, h := range rows[i] {
			h = normalizeHeader(h)
			switch {
			case cols.field < 0 && contains(fieldHeaders, h):
				cols.field = j
			case cols.ref < 0 && contains(refHeaders, h):
				cols.ref = j
			case cols.sheet < 0 && contains(sheetHeaders, h):
				cols.sheet = j
			case cols.cell < 0 && contains(cellHeaders, h):
				cols.cell = j
			case cols.hint < 0 && contains(typeHeaders, h):
				cols.hint = j
			}
		}
		if cols.field >= 0 && (cols.ref >= 0 || (cols.sheet >= 0 && cols.cell >= 0)) {
			return i, cols, true
		}
	}
	return 0, columns{}, false
}

func normalizeHeader(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(h)), " ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func at(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
