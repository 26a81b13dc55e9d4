package workbook

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// csvBook exposes a CSV export as a one-sheet workbook named after the
// file (without extension).
type csvBook struct {
	sheet *csvSheet
}

func openCSV(path string) (*csvBook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read")
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &csvBook{sheet: &csvSheet{name: name, records: records}}, nil
}

func (b *csvBook) SheetNames() []string { return []string{b.sheet.name} }

func (b *csvBook) Sheet(name string) (Sheet, bool) {
	if name != b.sheet.name {
		return nil, false
	}
	return b.sheet, true
}

func (b *csvBook) Close() error { return nil }

type csvSheet struct {
	name    string
	records [][]string
}

func (s *csvSheet) Name() string { return s.name }

func (s *csvSheet) Cell(row, col int) Cell {
	if row < 1 || col < 1 || row > len(s.records) || col > len(s.records[row-1]) {
		return Cell{}
	}
	raw := strings.TrimSpace(s.records[row-1][col-1])
	if raw == "" {
		return Cell{}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Cell{Kind: Number, Number: f}
	}
	return Cell{Kind: String, Text: raw}
}

func (s *csvSheet) rows() [][]string { return s.records }
