package criteria

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/uwdash/internal/model"
)

func defaultRules() Rules {
	return Rules{
		Extensions: []string{".xlsb", "XLSM"},
		Includes:   []string{"UW Model vCurrent"},
		Excludes:   []string{"Speedboat"},
		MinDate:    time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
	}
}

func touch(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestPrefilter(t *testing.T) {
	e := New(defaultRules())

	tests := []struct {
		name   string
		reason model.Reason
	}{
		{"Alpha UW Model vCurrent.xlsb", model.ReasonIncluded},
		{"Alpha UW Model vCurrent.XLSB", model.ReasonIncluded},
		{"Alpha UW Model vCurrent.xlsm", model.ReasonIncluded},
		{"Alpha UW Model vCurrent.xlsx", model.ReasonExtension},
		{"Alpha UW Model vcurrent.xlsb", model.ReasonInclude},
		{"Alpha UW Model v2.xlsb", model.ReasonInclude},
		{"Alpha Speedboat UW Model vCurrent.xlsb", model.ReasonExclude},
		{"notes.txt", model.ReasonExtension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Prefilter(tt.name)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.reason == model.ReasonIncluded, v.Included)
		})
	}
}

func TestPrefilter_MultiDotExtension(t *testing.T) {
	e := New(Rules{Extensions: []string{".model.xlsb"}})
	assert.True(t, e.Prefilter("Alpha UW.Model.XLSB").Included)

	v := e.Prefilter("Alpha UW.xlsb")
	assert.False(t, v.Included)
	assert.Equal(t, model.ReasonExtension, v.Reason)
}

func TestEvaluate_Date(t *testing.T) {
	dir := t.TempDir()
	e := New(defaultRules())

	onDay := touch(t, dir, "A UW Model vCurrent.xlsb", time.Date(2024, 7, 15, 9, 0, 0, 0, time.Local))
	before := touch(t, dir, "B UW Model vCurrent.xlsb", time.Date(2024, 7, 14, 23, 0, 0, 0, time.Local))
	after := touch(t, dir, "C UW Model vCurrent.xlsb", time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local))

	assert.True(t, e.Evaluate(onDay).Included)
	assert.True(t, e.Evaluate(after).Included)

	v := e.Evaluate(before)
	assert.False(t, v.Included)
	assert.Equal(t, model.ReasonDate, v.Reason)
	assert.Equal(t, "2024-07-14", v.Detail)
}

func TestEvaluate_RuleOrder(t *testing.T) {
	dir := t.TempDir()
	e := New(defaultRules())

	// Wrong extension and too old: extension is reported first.
	path := touch(t, dir, "Speedboat UW Model vCurrent.xlsx", time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local))
	assert.Equal(t, model.ReasonExtension, e.Evaluate(path).Reason)

	path = touch(t, dir, "Speedboat UW Model vCurrent.xlsb", time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local))
	assert.Equal(t, model.ReasonExclude, e.Evaluate(path).Reason)
}

func TestEvaluate_StatFailure(t *testing.T) {
	e := New(defaultRules())
	v := e.Evaluate(filepath.Join(t.TempDir(), "gone UW Model vCurrent.xlsb"))
	assert.False(t, v.Included)
	assert.Equal(t, model.ReasonDate, v.Reason)
}

func TestEvaluate_EmptyRules(t *testing.T) {
	e := New(Rules{Extensions: []string{".xlsb"}})
	dir := t.TempDir()
	path := touch(t, dir, "anything.xlsb", time.Now())
	assert.True(t, e.Evaluate(path).Included)
}
