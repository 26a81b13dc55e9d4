package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_ZeroIsMissing(t *testing.T) {
	var v Value
	assert.True(t, v.IsMissing())
	assert.Equal(t, KindMissing, v.Kind())
	assert.Nil(t, v.SQL())
	assert.Equal(t, "", v.String())
}

func TestValue_Accessors(t *testing.T) {
	n := Number(1250000.5)
	f, ok := n.Float()
	require.True(t, ok)
	assert.InDelta(t, 1250000.5, f, 0.0001)
	_, ok = n.Time()
	assert.False(t, ok)

	d := Date(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "2025-01-01", d.String())
	assert.Equal(t, "2025-01-01", d.SQL())

	txt := Text("Phoenix")
	assert.Equal(t, "Phoenix", txt.SQL())
	_, ok = txt.Float()
	assert.False(t, ok)
}

func TestValue_NonFiniteNumberIsMissing(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		v := Number(f)
		assert.True(t, v.IsMissing(), "%v", f)
		_, err := json.Marshal(v)
		assert.NoError(t, err)
	}
	assert.True(t, FromSQL(math.Inf(1), false).IsMissing())
}

func TestValue_JSON(t *testing.T) {
	in := map[string]Value{
		"price":   Number(42.5),
		"city":    Text("Mesa"),
		"closing": Date(time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)),
		"empty":   Missing(),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":42.5,"city":"Mesa","closing":"2024-07-15","empty":null}`, string(data))

	var out map[string]Value
	require.NoError(t, json.Unmarshal(data, &out))
	for k, v := range in {
		assert.True(t, v.Equal(out[k]), "field %s", k)
	}
}

func TestFromSQL(t *testing.T) {
	assert.True(t, FromSQL(nil, false).IsMissing())
	assert.Equal(t, KindNumber, FromSQL(int64(3), false).Kind())
	assert.Equal(t, KindNumber, FromSQL(3.5, false).Kind())
	assert.Equal(t, KindText, FromSQL("2024-01-01", false).Kind())
	assert.Equal(t, KindDate, FromSQL("2024-01-01", true).Kind())
	assert.Equal(t, KindText, FromSQL([]byte("n/a"), true).Kind())
}

func TestColumnLetters(t *testing.T) {
	cases := map[string]int{"A": 1, "Z": 26, "AA": 27, "AZ": 52, "BA": 53, "XFD": 16384}
	for letters, n := range cases {
		assert.Equal(t, n, ColumnIndex(letters), letters)
		assert.Equal(t, letters, ColumnLetters(n), letters)
	}
}

func TestParseCoordinate(t *testing.T) {
	row, col, err := ParseCoordinate("$D$6")
	require.NoError(t, err)
	assert.Equal(t, 6, row)
	assert.Equal(t, 4, col)

	row, col, err = ParseCoordinate("ab12")
	require.NoError(t, err)
	assert.Equal(t, 12, row)
	assert.Equal(t, 28, col)

	_, _, err = ParseCoordinate("D0")
	require.Error(t, err)
	_, _, err = ParseCoordinate("6D")
	require.Error(t, err)
}

func TestParseTypeHint(t *testing.T) {
	h, ok := ParseTypeHint("Currency")
	assert.True(t, ok)
	assert.Equal(t, HintNumber, h)

	h, ok = ParseTypeHint(" date ")
	assert.True(t, ok)
	assert.Equal(t, HintDate, h)

	h, ok = ParseTypeHint("blob")
	assert.False(t, ok)
	assert.Equal(t, HintAny, h)
}

func TestRunReport_Summary(t *testing.T) {
	r := &RunReport{
		ID:       "run-1",
		Included: []Candidate{{}, {}},
		Excluded: []Candidate{{}},
		Failures: []Failure{{Path: "/x"}},
		Stored:   1,
	}
	s := r.Summary()
	assert.Equal(t, 2, s.Included)
	assert.Equal(t, 1, s.Excluded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Stored)
}
