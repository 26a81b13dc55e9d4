// Package extract reads reference-table cells out of underwriting model
// workbooks.
package extract

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reftable"
	"github.com/sells-group/uwdash/internal/workbook"
)

// DefaultTimeout bounds a single file's extraction.
const DefaultTimeout = 2 * time.Minute

// Engine extracts records from workbooks. Each extraction opens its own
// workbook handle, so one Engine serves any number of goroutines.
type Engine struct {
	workers int
	timeout time.Duration
	open    func(string) (workbook.Workbook, error)
}

// New creates an Engine. workers <= 0 uses the CPU count and timeout <= 0
// uses DefaultTimeout.
func New(workers int, timeout time.Duration) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{workers: workers, timeout: timeout, open: workbook.Open}
}

// Extract reads every table entry from file. A workbook that cannot be
// opened yields a *model.Failure; every other problem is recorded as a
// diagnostic on the record.
func (e *Engine) Extract(ctx context.Context, file model.CandidateFile, table *reftable.Table) (*model.Record, error) {
	wb, err := e.open(file.Path)
	if err != nil {
		kind := model.FailOpen
		if eris.Is(err, workbook.ErrUnsupportedFormat) {
			kind = model.FailUnsupported
		}
		return nil, &model.Failure{Path: file.Path, Name: file.Name, Kind: kind, Cause: err.Error(), Err: err}
	}
	defer wb.Close() //nolint:errcheck

	rec := model.NewRecord(file, len(table.Entries))
	sheets := make(map[string]workbook.Sheet)

	for _, ref := range table.Entries {
		if err := ctx.Err(); err != nil {
			return nil, ctxFailure(ctx, file, err)
		}
		if ref.Kind == model.RefLiteral {
			rec.Set(ref.Field, model.Text(ref.Literal))
			continue
		}

		sheet, ok := sheets[ref.Sheet]
		if !ok {
			sheet, ok = workbook.ResolveSheet(wb, ref.Sheet)
			if ok {
				sheets[ref.Sheet] = sheet
			}
		}
		if !ok {
			setMissing(rec, ref)
			rec.Diagnostics = append(rec.Diagnostics, diag(model.DiagMissingSheet, file, ref, ref.Field, ""))
			continue
		}
		if ref.EndRow > workbook.MaxRows || ref.EndCol > workbook.MaxCols {
			setMissing(rec, ref)
			rec.Diagnostics = append(rec.Diagnostics, diag(model.DiagOutOfBounds, file, ref, ref.Field, ""))
			continue
		}

		switch {
		case ref.Kind == model.RefCell:
			readCell(rec, file, ref, ref.Field, sheet, ref.Row, ref.Col)
		case ref.Row == ref.EndRow:
			fields := reftable.Expand(ref)
			for i, c := 0, ref.Col; c <= ref.EndCol; i, c = i+1, c+1 {
				readCell(rec, file, ref, fields[i], sheet, ref.Row, c)
			}
		default:
			rec.Set(ref.Field, joinRange(sheet, ref))
		}
	}

	rec.ExtractedAt = time.Now().UTC()
	return rec, nil
}

func readCell(rec *model.Record, file model.CandidateFile, ref model.CellRef, field string, sheet workbook.Sheet, row, col int) {
	cell := sheet.Cell(row, col)
	if cell.Kind == workbook.Error {
		rec.Set(field, model.Missing())
		rec.Diagnostics = append(rec.Diagnostics, diagAt(model.DiagCellError, file, ref, field, row, col, cell.Text))
		return
	}
	v, mismatch := coerce(cell, ref.Hint)
	rec.Set(field, v)
	if mismatch {
		rec.Diagnostics = append(rec.Diagnostics, diagAt(model.DiagTypeMismatch, file, ref, field, row, col, cell.Raw()))
	}
}

// joinRange renders a column or block range as one text value.
func joinRange(sheet workbook.Sheet, ref model.CellRef) model.Value {
	var parts []string
	for r := ref.Row; r <= ref.EndRow; r++ {
		for c := ref.Col; c <= ref.EndCol; c++ {
			if raw := sheet.Cell(r, c).Raw(); raw != "" {
				parts = append(parts, raw)
			}
		}
	}
	if len(parts) == 0 {
		return model.Missing()
	}
	return model.Text(strings.Join(parts, "; "))
}

func setMissing(rec *model.Record, ref model.CellRef) {
	for _, f := range reftable.Expand(ref) {
		rec.Set(f, model.Missing())
	}
}

func diag(kind model.DiagnosticKind, file model.CandidateFile, ref model.CellRef, field, raw string) model.Diagnostic {
	return model.Diagnostic{
		Kind:     kind,
		Path:     file.Path,
		Field:    field,
		Sheet:    ref.Sheet,
		Cell:     ref.Cell,
		Expected: ref.Hint,
		Raw:      raw,
	}
}

func diagAt(kind model.DiagnosticKind, file model.CandidateFile, ref model.CellRef, field string, row, col int, raw string) model.Diagnostic {
	d := diag(kind, file, ref, field, raw)
	d.Cell = model.ColumnLetters(col) + strconv.Itoa(row)
	return d
}

func ctxFailure(ctx context.Context, file model.CandidateFile, err error) *model.Failure {
	kind := model.FailCanceled
	if eris.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		kind = model.FailTimeout
	}
	return &model.Failure{Path: file.Path, Name: file.Name, Kind: kind, Cause: err.Error(), Err: err}
}

// BatchResult separates successes from failures. Both keep input order.
type BatchResult struct {
	Records  []*model.Record
	Failures []model.Failure
}

// Diagnostics flattens the diagnostics of every record.
func (b *BatchResult) Diagnostics() []model.Diagnostic {
	var out []model.Diagnostic
	for _, r := range b.Records {
		out = append(out, r.Diagnostics...)
	}
	return out
}

// ExtractAll extracts files concurrently. A failing file never stops the
// others. Files not yet started when ctx is canceled are reported as
// canceled failures.
func (e *Engine) ExtractAll(ctx context.Context, files []model.CandidateFile, table *reftable.Table) *BatchResult {
	log := zap.L().With(zap.String("component", "extract"))
	records := make([]*model.Record, len(files))
	failures := make([]*model.Failure, len(files))

	var g errgroup.Group
	g.SetLimit(e.workers)

	for i := range files {
		g.Go(func() error {
			file := files[i]
			if err := ctx.Err(); err != nil {
				failures[i] = ctxFailure(ctx, file, err)
				return nil
			}
			rec, err := e.extractWithTimeout(ctx, file, table)
			if err != nil {
				f := asFailure(file, err)
				log.Warn("extraction failed",
					zap.String("file", file.Name),
					zap.String("kind", string(f.Kind)),
					zap.Error(err),
				)
				failures[i] = f
				return nil // don't abort batch
			}
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{}
	for i := range files {
		if records[i] != nil {
			res.Records = append(res.Records, records[i])
		}
		if failures[i] != nil {
			res.Failures = append(res.Failures, *failures[i])
		}
	}
	log.Info("extraction batch complete",
		zap.Int("files", len(files)),
		zap.Int("records", len(res.Records)),
		zap.Int("failures", len(res.Failures)),
	)
	return res
}

// extractWithTimeout stops waiting on a file once its deadline passes. The
// reader goroutine exits at its next context check.
func (e *Engine) extractWithTimeout(ctx context.Context, file model.CandidateFile, table *reftable.Table) (*model.Record, error) {
	fctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		rec *model.Record
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rec, err := e.Extract(fctx, file, table)
		ch <- result{rec, err}
	}()

	select {
	case r := <-ch:
		return r.rec, r.err
	case <-fctx.Done():
		return nil, ctxFailure(fctx, file, fctx.Err())
	}
}

func asFailure(file model.CandidateFile, err error) *model.Failure {
	var f *model.Failure
	if errors.As(err, &f) {
		return f
	}
	return &model.Failure{Path: file.Path, Name: file.Name, Kind: model.FailOpen, Cause: err.Error(), Err: err}
}
