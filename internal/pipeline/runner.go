// Package pipeline runs one extraction batch: discovery, extraction,
// reconciliation and persistence. Foreground runs, the API and the change
// watcher share a single Runner so only one batch is ever in flight.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/config"
	"github.com/sells-group/uwdash/internal/criteria"
	"github.com/sells-group/uwdash/internal/discovery"
	"github.com/sells-group/uwdash/internal/extract"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/reftable"
	"github.com/sells-group/uwdash/internal/resilience"
	"github.com/sells-group/uwdash/internal/store"
)

// ErrBatchRunning is returned when a batch is requested while another one
// is still running.
var ErrBatchRunning = eris.New("pipeline: batch already running")

// Trigger sources recorded on each run.
const (
	TriggerManual = "manual"
	TriggerWatch  = "watch"
	TriggerAPI    = "api"
	TriggerRetry  = "retry"
)

// Scope limits a run. With no paths every stage is walked. A path that is a
// directory also triggers a full walk; a path that no longer exists is
// removed from the store. A missing path without a model extension is taken
// to be a deleted folder and triggers a full walk. Full walks prune rows
// whose files are gone.
type Scope struct {
	Paths   []string
	Trigger string
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Stages    []model.DealStage
	Evaluator *criteria.Evaluator
	Refs      *reftable.Loader
	Engine    *extract.Engine
	Mapper    *reconcile.Mapper
	Store     store.Gateway
}

// Runner executes batches.
type Runner struct {
	stages []model.DealStage
	eval   *criteria.Evaluator
	walker *discovery.Walker
	refs   *reftable.Loader
	engine *extract.Engine
	mapper *reconcile.Mapper
	store  store.Gateway
	now    func() time.Time

	batch   sync.Mutex
	running atomic.Bool
}

// New creates a Runner from its collaborators.
func New(d Deps) *Runner {
	return &Runner{
		stages: d.Stages,
		eval:   d.Evaluator,
		walker: discovery.NewWalker(d.Evaluator),
		refs:   d.Refs,
		engine: d.Engine,
		mapper: d.Mapper,
		store:  d.Store,
		now:    time.Now,
	}
}

// FromConfig wires a Runner from configuration and an open store.
func FromConfig(cfg *config.Config, st store.Gateway) (*Runner, error) {
	minDate, err := cfg.MinModified()
	if err != nil {
		return nil, &model.ConfigurationError{Key: "criteria.min_modified_date", Reason: err.Error()}
	}

	mapper, err := MapperFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return New(Deps{
		Stages: cfg.Stages(),
		Evaluator: criteria.New(criteria.Rules{
			Extensions: cfg.Criteria.Extensions,
			Includes:   cfg.Criteria.Includes,
			Excludes:   cfg.Criteria.Excludes,
			MinDate:    minDate,
		}),
		Refs:   reftable.NewLoader(cfg.Reference.Path, cfg.Reference.Sheet, cfg.ReferenceTTL()),
		Engine: extract.New(cfg.Extract.Workers, cfg.ExtractTimeout()),
		Mapper: mapper,
		Store:  st,
	}), nil
}

// MapperFromConfig builds the column mapper with the configured overrides.
func MapperFromConfig(cfg *config.Config) (*reconcile.Mapper, error) {
	overrides := make([]reconcile.Mapping, 0, len(cfg.Reconcile.Overrides))
	for _, o := range cfg.Reconcile.Overrides {
		overrides = append(overrides, reconcile.Mapping{Canonical: o.Canonical, Storage: o.Storage, Label: o.Label})
	}
	mapper, err := reconcile.New(overrides...)
	if err != nil {
		return nil, &model.ConfigurationError{Key: "reconcile.overrides", Reason: err.Error()}
	}
	return mapper, nil
}

// Stages returns the configured deal stages.
func (r *Runner) Stages() []model.DealStage { return r.stages }

// Evaluator returns the inclusion rules.
func (r *Runner) Evaluator() *criteria.Evaluator { return r.eval }

// Mapper returns the column mapper used for persisted rows.
func (r *Runner) Mapper() *reconcile.Mapper { return r.mapper }

// Walker returns the deal tree walker.
func (r *Runner) Walker() *discovery.Walker { return r.walker }

// Run executes one batch. Per-file problems end up in the report; only
// reference-table, cancellation and store errors are returned.
func (r *Runner) Run(ctx context.Context, scope Scope) (*model.RunReport, error) {
	if !r.batch.TryLock() {
		return nil, ErrBatchRunning
	}
	defer r.batch.Unlock()
	r.running.Store(true)
	defer r.running.Store(false)

	trigger := scope.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	report := &model.RunReport{ID: uuid.NewString(), Trigger: trigger, StartedAt: r.now().UTC()}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", report.ID),
		zap.String("trigger", trigger),
	)
	log.Info("batch started", zap.Int("paths", len(scope.Paths)))

	if err := r.collect(ctx, scope, report, log); err != nil {
		return report, err
	}
	if err := r.remove(ctx, report); err != nil {
		return report, err
	}
	if err := r.extract(ctx, report, log); err != nil {
		return report, err
	}
	r.forgetExcluded(ctx, report, log)

	report.FinishedAt = r.now().UTC()
	if err := r.store.SaveRun(ctx, report.Summary()); err != nil {
		log.Warn("save run summary failed", zap.Error(err))
	}
	log.Info("batch complete",
		zap.Int("included", len(report.Included)),
		zap.Int("excluded", len(report.Excluded)),
		zap.Int("failed", len(report.Failures)),
		zap.Int("stored", report.Stored),
		zap.Int("removed", len(report.Removed)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// Running reports whether a batch is in flight.
func (r *Runner) Running() bool { return r.running.Load() }

// Discover walks every stage without extracting anything.
func (r *Runner) Discover(ctx context.Context) (*discovery.Result, error) {
	return r.walker.Discover(ctx, r.stages)
}

func (r *Runner) collect(ctx context.Context, scope Scope, report *model.RunReport, log *zap.Logger) error {
	full := len(scope.Paths) == 0
	var located []model.Candidate

	for _, p := range scope.Paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		switch {
		case os.IsNotExist(err):
			if _, ok := discovery.StageOf(p, r.stages); !ok {
				continue
			}
			if v := r.eval.Prefilter(filepath.Base(p)); v.Reason == model.ReasonExtension {
				full = true
				continue
			}
			report.Removed = append(report.Removed, p)
		case err != nil:
			report.Warnings = append(report.Warnings, model.DiscoveryWarning{Path: p, Message: err.Error()})
		case info.IsDir():
			full = true
		default:
			c, ok := r.walker.Locate(p, r.stages)
			if !ok {
				log.Debug("path outside any UW Model folder", zap.String("path", p))
				continue
			}
			located = append(located, c)
		}
	}

	if !full {
		for _, c := range located {
			if c.Verdict.Included {
				report.Included = append(report.Included, c)
			} else {
				report.Excluded = append(report.Excluded, c)
			}
		}
		return nil
	}

	res, err := r.walker.Discover(ctx, r.stages)
	if res != nil {
		report.Included = append(report.Included, res.Included...)
		report.Excluded = append(report.Excluded, res.Excluded...)
		report.Warnings = append(report.Warnings, res.Warnings...)
	}
	if err != nil {
		return eris.Wrap(err, "pipeline: discover")
	}
	report.Removed = append(report.Removed, r.stale(ctx, report, log)...)
	return nil
}

// stale lists stored rows whose files a full walk no longer finds. Rows
// below a path the walk could not read are kept.
func (r *Runner) stale(ctx context.Context, report *model.RunReport, log *zap.Logger) []string {
	stored, err := r.store.ColumnValues(ctx, reconcile.ColPath)
	if err != nil {
		if !eris.Is(err, store.ErrUnknownColumn) {
			log.Warn("list stored paths failed", zap.Error(err))
		}
		return nil
	}

	seen := make(map[string]struct{}, len(report.Included)+len(report.Excluded)+len(report.Removed))
	for _, c := range report.Included {
		seen[c.File.Path] = struct{}{}
	}
	for _, c := range report.Excluded {
		seen[c.File.Path] = struct{}{}
	}
	for _, p := range report.Removed {
		seen[p] = struct{}{}
	}

	var out []string
	for _, p := range stored {
		if _, ok := seen[p]; ok || unreadable(p, report.Warnings) {
			continue
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 {
		log.Info("pruning rows for missing files", zap.Int("files", len(out)))
	}
	return out
}

func unreadable(path string, warnings []model.DiscoveryWarning) bool {
	for _, w := range warnings {
		rel, err := filepath.Rel(w.Path, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// remove deletes rows and failure entries for files that disappeared.
func (r *Runner) remove(ctx context.Context, report *model.RunReport) error {
	if len(report.Removed) == 0 {
		return nil
	}
	if _, err := r.store.Delete(ctx, report.Removed); err != nil {
		return &model.PersistenceError{Op: "delete", Err: err}
	}
	if err := r.store.ClearFailures(ctx, report.Removed); err != nil {
		return &model.PersistenceError{Op: "clear failures", Err: err}
	}
	return nil
}

func (r *Runner) extract(ctx context.Context, report *model.RunReport, log *zap.Logger) error {
	if len(report.Included) == 0 {
		return nil
	}

	table, err := r.refs.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: load reference table")
	}
	for _, w := range table.Warnings {
		log.Warn("reference table row skipped", zap.String("detail", w))
	}
	for _, field := range table.Fields() {
		if storage, collided := r.mapper.Register(field); collided {
			log.Warn("column name collision",
				zap.String("field", field),
				zap.String("column", storage),
				zap.String("kept", r.mapper.ToCanonical(storage)),
			)
		}
	}

	files := make([]model.CandidateFile, len(report.Included))
	for i, c := range report.Included {
		files[i] = c.File
	}
	batch := r.engine.ExtractAll(ctx, files, table)
	report.Failures = batch.Failures
	report.Diagnostics = batch.Diagnostics()

	rows := make([]model.Row, 0, len(batch.Records))
	stored := make([]string, 0, len(batch.Records))
	for _, rec := range batch.Records {
		rows = append(rows, r.mapper.Row(rec, report.StartedAt))
		stored = append(stored, rec.File.Path)
	}
	n, err := r.store.Upsert(ctx, rows)
	report.Stored = n
	if err != nil {
		return &model.PersistenceError{Op: "upsert", Err: err}
	}

	if len(batch.Failures) > 0 {
		now := r.now().UTC()
		entries := make([]resilience.FailureEntry, len(batch.Failures))
		for i, f := range batch.Failures {
			entries[i] = resilience.NewFailureEntry(f, now)
		}
		if err := r.store.RecordFailures(ctx, entries); err != nil {
			log.Warn("record failures failed", zap.Error(err))
		}
	}
	if err := r.store.ClearFailures(ctx, stored); err != nil {
		log.Warn("clear failures failed", zap.Error(err))
	}
	return nil
}

// forgetExcluded drops failure entries for files the rules now exclude, so
// they are not retried.
func (r *Runner) forgetExcluded(ctx context.Context, report *model.RunReport, log *zap.Logger) {
	if len(report.Excluded) == 0 {
		return
	}
	paths := make([]string, len(report.Excluded))
	for i, c := range report.Excluded {
		paths[i] = c.File.Path
	}
	if err := r.store.ClearFailures(ctx, paths); err != nil {
		log.Warn("clear failures failed", zap.Error(err))
	}
}

// RetryFailures re-runs files whose transient failures are due. It
// returns a nil report when nothing is due.
func (r *Runner) RetryFailures(ctx context.Context) (*model.RunReport, error) {
	due, err := r.store.ListFailures(ctx, resilience.FailureFilter{DueBefore: r.now().UTC()})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list due failures")
	}
	if len(due) == 0 {
		return nil, nil
	}
	paths := make([]string, len(due))
	for i, e := range due {
		paths[i] = e.Path
	}
	zap.L().Info("retrying failed files", zap.Int("files", len(paths)))
	return r.Run(ctx, Scope{Paths: paths, Trigger: TriggerRetry})
}
