// Package watcher turns file-system change events under the deal stages
// into scoped pipeline runs. Events are queued; the queue is drained on a
// fixed schedule once it has been quiet for the cooldown period.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/pipeline"
)

// Runner is the part of pipeline.Runner the watcher drives.
type Runner interface {
	Run(ctx context.Context, scope pipeline.Scope) (*model.RunReport, error)
	RetryFailures(ctx context.Context) (*model.RunReport, error)
}

// Filter drops file events by name before they are queued.
type Filter func(name string) bool

// Options tunes a Watcher.
type Options struct {
	Stages       []model.DealStage
	PollInterval time.Duration
	Cooldown     time.Duration
	// RescansPerMinute bounds how often drained batches run.
	RescansPerMinute float64
	// Depth limits how far below each stage directories are watched.
	Depth  int
	Filter Filter
}

// Watcher queues change events and runs scoped batches.
type Watcher struct {
	runner  Runner
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	pending   map[string]struct{}
	lastEvent time.Time
}

// New creates a Watcher.
func New(runner Runner, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.Depth <= 0 {
		opts.Depth = 4
	}
	limit := rate.Inf
	if opts.RescansPerMinute > 0 {
		limit = rate.Limit(opts.RescansPerMinute / 60)
	}
	return &Watcher{
		runner:  runner,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
}

// Enqueue records a changed path. Paths failing the filter are dropped;
// directories always pass since they may hold new deals.
func (w *Watcher) Enqueue(path string, isDir bool) bool {
	if !isDir && w.opts.Filter != nil && !w.opts.Filter(filepath.Base(path)) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.Clean(path)] = struct{}{}
	w.lastEvent = w.now()
	return true
}

// Pending returns the queued paths, sorted.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sortedLocked()
}

func (w *Watcher) sortedLocked() []string {
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// take empties the queue if it has been quiet for the cooldown.
func (w *Watcher) take() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 || w.now().Sub(w.lastEvent) < w.opts.Cooldown {
		return nil
	}
	out := w.sortedLocked()
	w.pending = make(map[string]struct{})
	return out
}

// requeue puts paths back after a run could not start.
func (w *Watcher) requeue(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.pending[p] = struct{}{}
	}
}

// Drain runs one batch for the queued paths if the queue is quiet and the
// rate limit allows. It returns the report, or nil when nothing ran.
func (w *Watcher) Drain(ctx context.Context) (*model.RunReport, error) {
	log := zap.L().With(zap.String("component", "watcher"))

	paths := w.take()
	if len(paths) == 0 {
		return nil, nil
	}
	if !w.limiter.Allow() {
		log.Debug("rescan throttled", zap.Int("paths", len(paths)))
		w.requeue(paths)
		return nil, nil
	}

	report, err := w.runner.Run(ctx, pipeline.Scope{Paths: paths, Trigger: pipeline.TriggerWatch})
	if eris.Is(err, pipeline.ErrBatchRunning) {
		log.Info("batch in progress, changes re-queued", zap.Int("paths", len(paths)))
		w.requeue(paths)
		return nil, nil
	}
	if err != nil {
		return report, eris.Wrap(err, "watcher: run batch")
	}
	return report, nil
}

// Watch subscribes to every stage and drains the queue until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "watcher: create")
	}
	defer fw.Close() //nolint:errcheck

	log := zap.L().With(zap.String("component", "watcher"))
	watched := 0
	for _, stage := range w.opts.Stages {
		n, err := w.addTree(fw, stage.Path, 0)
		if err != nil {
			log.Warn("stage not watched", zap.String("stage", stage.Path), zap.Error(err))
			continue
		}
		watched += n
	}
	log.Info("watching deal stages",
		zap.Int("stages", len(w.opts.Stages)),
		zap.Int("directories", watched),
		zap.Duration("poll_interval", w.opts.PollInterval),
		zap.Duration("cooldown", w.opts.Cooldown),
	)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev, log)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			w.tick(ctx, log)
		}
	}
}

func (w *Watcher) tick(ctx context.Context, log *zap.Logger) {
	if report, err := w.Drain(ctx); err != nil {
		log.Error("scoped run failed", zap.Error(err))
	} else if report != nil {
		log.Info("scoped run complete",
			zap.String("run_id", report.ID),
			zap.Int("stored", report.Stored),
			zap.Int("failed", len(report.Failures)),
			zap.Int("removed", len(report.Removed)),
		)
	}
	if _, err := w.runner.RetryFailures(ctx); err != nil && !eris.Is(err, pipeline.ErrBatchRunning) {
		log.Warn("retry of failed files failed", zap.Error(err))
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event, log *zap.Logger) {
	if ev.Op == fsnotify.Chmod || isTempName(filepath.Base(ev.Name)) {
		return
	}
	isDir := false
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			isDir = true
			if depth, ok := w.depthOf(ev.Name); ok {
				if _, err := w.addTree(fw, ev.Name, depth); err != nil {
					log.Warn("watch new directory failed", zap.String("path", ev.Name), zap.Error(err))
				}
			}
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// Gone paths cannot be stat'ed. Treat watched or extensionless
		// ones as removed folders.
		isDir = filepath.Ext(ev.Name) == "" || watching(fw, ev.Name)
	}
	if w.Enqueue(ev.Name, isDir) {
		log.Debug("change queued", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
	}
}

func watching(fw *fsnotify.Watcher, path string) bool {
	for _, p := range fw.WatchList() {
		if p == path {
			return true
		}
	}
	return false
}

// addTree watches dir and its subdirectories down to the configured depth.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string, depth int) (int, error) {
	if err := fw.Add(dir); err != nil {
		return 0, err
	}
	n := 1
	if depth >= w.opts.Depth {
		return n, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return n, nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		added, err := w.addTree(fw, filepath.Join(dir, e.Name()), depth+1)
		if err != nil {
			zap.L().Debug("skip directory", zap.String("path", filepath.Join(dir, e.Name())), zap.Error(err))
			continue
		}
		n += added
	}
	return n, nil
}

// depthOf returns how many levels path lies below its stage.
func (w *Watcher) depthOf(path string) (int, bool) {
	for _, stage := range w.opts.Stages {
		rel, err := filepath.Rel(stage.Path, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." {
			return 0, true
		}
		return len(strings.Split(rel, string(filepath.Separator))), true
	}
	return 0, false
}

// isTempName matches Office lock and temp files.
func isTempName(name string) bool {
	return strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".~") || strings.HasSuffix(strings.ToLower(name), ".tmp")
}
