package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/uwdash/internal/discovery"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/resilience"
	"github.com/sells-group/uwdash/internal/store"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// writeFormatted encodes v as json or yaml, or calls text for plain output.
func writeFormatted(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch strings.ToLower(format) {
	case "", formatText:
		text(w)
		return nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func formatReport(w io.Writer, r *model.RunReport) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.ID, r.Trigger)
	fmt.Fprintf(w, "  Duration:    %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  Included:    %d\n", len(r.Included))
	fmt.Fprintf(w, "  Excluded:    %d\n", len(r.Excluded))
	fmt.Fprintf(w, "  Stored:      %d\n", r.Stored)
	fmt.Fprintf(w, "  Removed:     %d\n", len(r.Removed))
	fmt.Fprintf(w, "  Failed:      %d\n", len(r.Failures))
	fmt.Fprintf(w, "  Diagnostics: %d\n", len(r.Diagnostics))

	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn.Error())
	}
	if len(r.Failures) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tKIND\tCAUSE")
	for _, f := range r.Failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Path, f.Kind, truncate(f.Cause, 80))
	}
	_ = tw.Flush()
}

func formatDiscovery(w io.Writer, res *discovery.Result, verbose bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tDEAL\tFILE\tMODIFIED")
	for _, c := range res.Included {
		f := c.File
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.StageName, f.DealName, f.Name, f.Modified.Format(model.DateLayout))
	}
	_ = tw.Flush()

	if verbose && len(res.Excluded) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "EXCLUDED\tREASON\tDETAIL")
		for _, c := range res.Excluded {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.File.Path, c.Verdict.Reason, c.Verdict.Detail)
		}
		_ = tw.Flush()
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn.Error())
	}
	fmt.Fprintf(w, "\n%d included, %d excluded\n", len(res.Included), len(res.Excluded))
}

func formatFailures(w io.Writer, entries []resilience.FailureEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tKIND\tTYPE\tRETRIES\tNEXT RETRY\tCAUSE")
	for _, e := range entries {
		next := "-"
		if e.CanRetry() {
			next = e.NextRetryAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.Path, e.Kind, e.ErrorType, e.RetryCount, e.MaxRetries, next, truncate(e.Cause, 60))
	}
	_ = tw.Flush()
}

type columnRow struct {
	Name      string           `json:"name" yaml:"name"`
	Canonical string           `json:"canonical" yaml:"canonical"`
	Label     string           `json:"label" yaml:"label"`
	Type      store.ColumnType `json:"type" yaml:"type"`
}

func formatColumns(w io.Writer, cols []columnRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tCANONICAL\tLABEL")
	for _, c := range cols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Type, c.Canonical, c.Label)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
