package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/uwdash/internal/discovery"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/resilience"
)

func sampleReport() *model.RunReport {
	start := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	return &model.RunReport{
		ID:         "run-42",
		Trigger:    "manual",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Included:   make([]model.Candidate, 3),
		Excluded:   make([]model.Candidate, 1),
		Stored:     2,
		Failures: []model.Failure{{
			Path: "/deals/A/Broken/UW Model/broken.xlsb", Kind: model.FailOpen, Cause: "zip: not a valid zip file",
		}},
	}
}

func TestWriteFormatted_Text(t *testing.T) {
	var buf bytes.Buffer
	r := sampleReport()
	require.NoError(t, writeFormatted(&buf, formatText, r, func(w io.Writer) { formatReport(w, r) }))

	out := buf.String()
	assert.Contains(t, out, "Run run-42 (manual)")
	assert.Contains(t, out, "Duration:    1.5s")
	assert.Contains(t, out, "Stored:      2")
	assert.Contains(t, out, "broken.xlsb")
	assert.Contains(t, out, "open")
}

func TestWriteFormatted_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, formatJSON, sampleReport(), nil))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-42", got["id"])
	assert.EqualValues(t, 2, got["stored"])
}

func TestWriteFormatted_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, formatYAML, sampleReport(), nil))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-42", got["id"])
	assert.Equal(t, 2, got["stored"])
}

func TestWriteFormatted_Unknown(t *testing.T) {
	err := writeFormatted(io.Discard, "xml", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown format "xml"`)
}

func TestFormatDiscovery(t *testing.T) {
	res := &discovery.Result{
		Included: []model.Candidate{{File: model.CandidateFile{
			Name: "alpha.xlsb", StageName: "1) Initial UW and Review", DealName: "Alpha",
			Modified: time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC),
		}, Verdict: model.Include()}},
		Excluded: []model.Candidate{{
			File:    model.CandidateFile{Path: "/deals/A/Alpha/UW Model/old.xlsb"},
			Verdict: model.Exclude(model.ReasonDate, "2023-01-01"),
		}},
	}

	var buf bytes.Buffer
	formatDiscovery(&buf, res, false)
	assert.Contains(t, buf.String(), "alpha.xlsb")
	assert.NotContains(t, buf.String(), "old.xlsb")
	assert.Contains(t, buf.String(), "1 included, 1 excluded")

	buf.Reset()
	formatDiscovery(&buf, res, true)
	assert.Contains(t, buf.String(), "old.xlsb")
	assert.Contains(t, buf.String(), "date")
}

func TestFormatFailures(t *testing.T) {
	var buf bytes.Buffer
	formatFailures(&buf, []resilience.FailureEntry{
		{Path: "/a.xlsb", Kind: model.FailTimeout, ErrorType: resilience.Transient, RetryCount: 1, MaxRetries: 3, NextRetryAt: time.Now()},
		{Path: "/b.xlsb", Kind: model.FailOpen, ErrorType: resilience.Permanent},
	})
	out := buf.String()
	assert.Contains(t, out, "/a.xlsb")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "permanent")
}

func TestFormatColumns(t *testing.T) {
	var buf bytes.Buffer
	formatColumns(&buf, []columnRow{{Name: "deal_name", Canonical: "Deal Name", Label: "Deal", Type: "text"}})
	assert.Contains(t, buf.String(), "deal_name")
	assert.Contains(t, buf.String(), "Deal Name")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
