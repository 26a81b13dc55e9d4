package reftable

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/uwdash/internal/model"
)

func TestParse_ReferenceRanges(t *testing.T) {
	rows := [][]string{
		{"Underwriting Dashboard Project"},
		{},
		{"DataFrame Column Names", "Values Reference Range", "Data Type"},
		{"Purchase Price", "'Assumptions (Summary)'!$D$6", "Currency"},
		{"Deal City", "Assumptions!E7", ""},
		{"Unit Mix", "'Unit Mix'!$C$10:$F$10", ""},
		{"Rent Roll", "'Rent Roll'!B2:B5", "text"},
		{"Model Version", "vCurrent", ""},
		{"", "'Assumptions (Summary)'!$D$9", ""},
		{"Broken", "'Assumptions (Summary)'!", ""},
		{"Bad Coord", "Assumptions!6D", ""},
		{"Bad Type", "Assumptions!D8", "blob"},
		{"Purchase Price", "Assumptions!D99", ""},
		{"", "", ""},
	}

	tbl, err := Parse(rows)
	require.NoError(t, err)
	require.Len(t, tbl.Entries, 5)
	assert.Len(t, tbl.Warnings, 5)

	price := tbl.Entries[0]
	assert.Equal(t, "Purchase Price", price.Field)
	assert.Equal(t, "Assumptions (Summary)", price.Sheet)
	assert.Equal(t, "D6", price.Cell)
	assert.Equal(t, model.RefCell, price.Kind)
	assert.Equal(t, model.HintNumber, price.Hint)
	assert.Equal(t, 6, price.Row)
	assert.Equal(t, 4, price.Col)

	mix := tbl.Entries[2]
	assert.Equal(t, model.RefRange, mix.Kind)
	assert.Equal(t, 10, mix.Row)
	assert.Equal(t, 10, mix.EndRow)
	assert.Equal(t, 3, mix.Col)
	assert.Equal(t, 6, mix.EndCol)

	version := tbl.Entries[4]
	assert.Equal(t, model.RefLiteral, version.Kind)
	assert.Equal(t, "vCurrent", version.Literal)

	assert.Equal(t, []string{
		"Purchase Price", "Deal City",
		"Unit Mix_C", "Unit Mix_D", "Unit Mix_E", "Unit Mix_F",
		"Rent Roll", "Model Version",
	}, tbl.Fields())
}

func TestParse_SheetAndCellColumns(t *testing.T) {
	rows := [][]string{
		{"Field Name", "Sheet Name", "Cell", "Type"},
		{"NOI", "Cash Flow", "$H$22", "number"},
		{"Closing Date", "Assumptions", "C4", "date"},
		{"Orphan", "", "C5", ""},
	}
	tbl, err := Parse(rows)
	require.NoError(t, err)
	require.Len(t, tbl.Entries, 2)
	assert.Equal(t, "Cash Flow", tbl.Entries[0].Sheet)
	assert.Equal(t, "H22", tbl.Entries[0].Cell)
	assert.Equal(t, model.HintDate, tbl.Entries[1].Hint)
	require.Len(t, tbl.Warnings, 1)
	assert.Contains(t, tbl.Warnings[0], "missing sheet name")
}

func TestParse_NoHeader(t *testing.T) {
	_, err := Parse([][]string{{"a", "b"}, {"c", "d"}})
	assert.Error(t, err)
}

func TestUnquoteSheet(t *testing.T) {
	assert.Equal(t, "Assumptions (Summary)", unquoteSheet("'Assumptions (Summary)'"))
	assert.Equal(t, "Owner's Budget", unquoteSheet("'Owner''s Budget'"))
	assert.Equal(t, "Plain", unquoteSheet("Plain"))
}

func writeReference(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("UW Model - Cell Reference Table")
	require.NoError(t, err)
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))
}

func TestLoader_CachesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs.xlsx")
	writeReference(t, path, [][]string{
		{"DataFrame Column Names", "Values Reference Range"},
		{"Purchase Price", "'Assumptions (Summary)'!$D$6"},
	})
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l := NewLoader(path, "UW Model - Cell Reference Table", 0)
	first, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Entries, 1)

	again, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)

	writeReference(t, path, [][]string{
		{"DataFrame Column Names", "Values Reference Range"},
		{"Purchase Price", "'Assumptions (Summary)'!$D$6"},
		{"NOI", "'Cash Flow'!$H$22"},
	})
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now()))

	reloaded, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, reloaded.Entries, 2)

	// A broken file keeps the last good table.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Minute), time.Now().Add(time.Minute)))
	kept, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, reloaded, kept)
}

func TestLoader_TTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs.xlsx")
	writeReference(t, path, [][]string{
		{"DataFrame Column Names", "Values Reference Range"},
		{"Purchase Price", "'Assumptions (Summary)'!$D$6"},
	})

	clock := time.Now()
	l := NewLoader(path, "UW Model - Cell Reference Table", time.Minute)
	l.now = func() time.Time { return clock }

	first, err := l.Load(context.Background())
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	cached, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, cached)

	clock = clock.Add(time.Minute)
	fresh, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}

func TestLoader_Errors(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing.xlsx"), "Sheet", 0)
	_, err := l.Load(context.Background())
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "refs.xlsx")
	writeReference(t, path, [][]string{{"DataFrame Column Names", "Values Reference Range"}})
	_, err = NewLoader(path, "UW Model - Cell Reference Table", 0).Load(context.Background())
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewLoader(path, "x", 0).Load(ctx)
	require.Error(t, err)
}
