package workbook

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

type xlsxBook struct {
	f *xlsx.File
}

func openXLSX(path string) (*xlsxBook, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	return &xlsxBook{f: f}, nil
}

func (b *xlsxBook) SheetNames() []string {
	names := make([]string, 0, len(b.f.Sheets))
	for _, s := range b.f.Sheets {
		names = append(names, s.Name)
	}
	return names
}

func (b *xlsxBook) Sheet(name string) (Sheet, bool) {
	s, ok := b.f.Sheet[name]
	if !ok {
		return nil, false
	}
	return &xlsxSheet{s: s, date1904: b.f.Date1904}, true
}

// Close is a no-op; tealeg reads the whole archive at open.
func (b *xlsxBook) Close() error { return nil }

type xlsxSheet struct {
	s        *xlsx.Sheet
	date1904 bool
}

func (s *xlsxSheet) Name() string { return s.s.Name }

func (s *xlsxSheet) Cell(row, col int) Cell {
	if row < 1 || col < 1 || row > len(s.s.Rows) {
		return Cell{}
	}
	r := s.s.Rows[row-1]
	if r == nil || col > len(r.Cells) {
		return Cell{}
	}
	return s.convert(r.Cells[col-1])
}

func (s *xlsxSheet) convert(c *xlsx.Cell) Cell {
	if c == nil {
		return Cell{}
	}
	switch c.Type() {
	case xlsx.CellTypeError:
		return Cell{Kind: Error, Text: c.Value}
	case xlsx.CellTypeBool:
		return Cell{Kind: Bool, Bool: c.Bool()}
	case xlsx.CellTypeString, xlsx.CellTypeStringFormula, xlsx.CellTypeInline:
		if c.Value == "" {
			return Cell{}
		}
		return Cell{Kind: String, Text: c.Value}
	case xlsx.CellTypeDate:
		if t, err := time.Parse(time.RFC3339, c.Value); err == nil {
			return Cell{Kind: Date, Number: ExcelSerial(t, s.date1904), Time: t}
		}
	}

	if strings.TrimSpace(c.Value) == "" {
		return Cell{}
	}
	f, err := c.Float()
	if err != nil {
		return Cell{Kind: String, Text: c.Value}
	}
	if c.IsTime() {
		if t, err := c.GetTime(s.date1904); err == nil {
			return Cell{Kind: Date, Number: f, Time: t}
		}
	}
	return Cell{Kind: Number, Number: f}
}

func (s *xlsxSheet) rows() [][]string {
	out := make([][]string, 0, len(s.s.Rows))
	for _, r := range s.s.Rows {
		if r == nil {
			out = append(out, nil)
			continue
		}
		cells := make([]string, len(r.Cells))
		for j, c := range r.Cells {
			if c != nil {
				cells[j] = c.String()
			}
		}
		out = append(out, cells)
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
