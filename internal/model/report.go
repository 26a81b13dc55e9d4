package model

import "time"

// RunReport summarizes one discovery + extraction + persistence batch.
// Partial success is the normal case.
type RunReport struct {
	ID          string             `json:"id" yaml:"id"`
	Trigger     string             `json:"trigger" yaml:"trigger"`
	StartedAt   time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time          `json:"finished_at" yaml:"finished_at"`
	Included    []Candidate        `json:"included" yaml:"included"`
	Excluded    []Candidate        `json:"excluded" yaml:"excluded"`
	Failures    []Failure          `json:"failures" yaml:"failures"`
	Warnings    []DiscoveryWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Diagnostics []Diagnostic       `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Removed     []string           `json:"removed,omitempty" yaml:"removed,omitempty"`
	Stored      int                `json:"stored" yaml:"stored"`
}

// RunSummary is the persisted, count-only view of a RunReport.
type RunSummary struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Included    int       `json:"included"`
	Excluded    int       `json:"excluded"`
	Failed      int       `json:"failed"`
	Stored      int       `json:"stored"`
	Diagnostics int       `json:"diagnostics"`
}

// Summary returns the count-only view of r.
func (r *RunReport) Summary() RunSummary {
	return RunSummary{
		ID:          r.ID,
		Trigger:     r.Trigger,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Included:    len(r.Included),
		Excluded:    len(r.Excluded),
		Failed:      len(r.Failures),
		Stored:      r.Stored,
		Diagnostics: len(r.Diagnostics),
	}
}
