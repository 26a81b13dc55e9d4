// Package model holds the types shared across discovery, extraction and
// persistence.
package model

import (
	"path/filepath"
	"time"
)

// DealStage is a top-level pipeline folder such as "2) Active UW and Review".
type DealStage struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// NewDealStage builds a stage from its directory path; the name is the
// final path element.
func NewDealStage(path string) DealStage {
	return DealStage{Name: filepath.Base(path), Path: path}
}

// CandidateFile is a file found inside a deal's UW Model folder.
type CandidateFile struct {
	Name      string    `json:"file_name"`
	Path      string    `json:"absolute_file_path"`
	StageName string    `json:"deal_stage_name"`
	StagePath string    `json:"deal_stage_path"`
	DealName  string    `json:"deal_name"`
	Modified  time.Time `json:"last_modified"`
	Size      int64     `json:"size_bytes"`
}

// Reason explains an inclusion verdict.
type Reason string

// Verdict reasons, in evaluation order.
const (
	ReasonIncluded  Reason = "ok"
	ReasonExtension Reason = "extension"
	ReasonInclude   Reason = "include"
	ReasonExclude   Reason = "exclude"
	ReasonDate      Reason = "date"
)

// Verdict is the outcome of the inclusion rules for one file.
type Verdict struct {
	Included bool   `json:"included"`
	Reason   Reason `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Include is the passing verdict.
func Include() Verdict { return Verdict{Included: true, Reason: ReasonIncluded} }

// Exclude returns a failing verdict for the given rule.
func Exclude(reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// Candidate pairs a discovered file with its verdict.
type Candidate struct {
	File    CandidateFile `json:"file"`
	Verdict Verdict       `json:"verdict"`
}
