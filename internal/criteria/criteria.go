// Package criteria decides which files inside a UW Model folder count as
// underwriting models.
package criteria

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sells-group/uwdash/internal/model"
)

// Rules are the configured inclusion rules.
type Rules struct {
	Extensions []string
	Includes   []string
	Excludes   []string
	MinDate    time.Time
}

// Evaluator applies Rules to candidate files. It is safe for concurrent use.
type Evaluator struct {
	exts     []string
	includes []string
	excludes []string
	minDate  time.Time
	stat     func(string) (os.FileInfo, error)
}

// New builds an Evaluator. Extensions are case-insensitive name suffixes,
// so ".tar.gz" works, and may be given with or without the leading dot.
func New(r Rules) *Evaluator {
	exts := make([]string, 0, len(r.Extensions))
	for _, e := range r.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	y, m, d := r.MinDate.Date()
	return &Evaluator{
		exts:     exts,
		includes: r.Includes,
		excludes: r.Excludes,
		minDate:  time.Date(y, m, d, 0, 0, 0, 0, time.Local),
		stat:     os.Stat,
	}
}

// Prefilter applies the name-only rules. The watcher uses it to drop
// irrelevant change events without touching the disk.
func (e *Evaluator) Prefilter(name string) model.Verdict {
	lower := strings.ToLower(name)
	matched := false
	for _, ext := range e.exts {
		if strings.HasSuffix(lower, ext) {
			matched = true
			break
		}
	}
	if !matched {
		return model.Exclude(model.ReasonExtension, strings.ToLower(filepath.Ext(name)))
	}
	for _, sub := range e.includes {
		if !strings.Contains(name, sub) {
			return model.Exclude(model.ReasonInclude, sub)
		}
	}
	for _, sub := range e.excludes {
		if strings.Contains(name, sub) {
			return model.Exclude(model.ReasonExclude, sub)
		}
	}
	return model.Include()
}

// Evaluate applies every rule to the file at path. Rules run in order
// extension, include, exclude, date and the first failure wins. A file
// whose modification time cannot be read fails the date rule.
func (e *Evaluator) Evaluate(path string) model.Verdict {
	if v := e.Prefilter(filepath.Base(path)); !v.Included {
		return v
	}
	info, err := e.stat(path)
	if err != nil {
		return model.Exclude(model.ReasonDate, "stat: "+err.Error())
	}
	return e.CheckDate(info.ModTime())
}

// EvaluateFile applies every rule using an already-read modification time.
func (e *Evaluator) EvaluateFile(name string, mod time.Time) model.Verdict {
	if v := e.Prefilter(name); !v.Included {
		return v
	}
	return e.CheckDate(mod)
}

// CheckDate compares the local calendar date of mod against the minimum.
func (e *Evaluator) CheckDate(mod time.Time) model.Verdict {
	local := mod.In(time.Local)
	y, m, d := local.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	if day.Before(e.minDate) {
		return model.Exclude(model.ReasonDate, local.Format(model.DateLayout))
	}
	return model.Include()
}
