package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	scopes  []pipeline.Scope
	err     error
	retries int
}

func (f *fakeRunner) Run(_ context.Context, scope pipeline.Scope) (*model.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.scopes = append(f.scopes, scope)
	return &model.RunReport{ID: "run", Trigger: scope.Trigger}, nil
}

func (f *fakeRunner) RetryFailures(context.Context) (*model.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return nil, nil
}

func (f *fakeRunner) runs() []pipeline.Scope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Scope(nil), f.scopes...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func xlsbOnly(name string) bool { return strings.HasSuffix(strings.ToLower(name), ".xlsb") }

func newTestWatcher(r Runner) (*Watcher, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	w := New(r, Options{Cooldown: 5 * time.Second, Filter: xlsbOnly})
	w.now = c.now
	return w, c
}

func TestEnqueue_FiltersFiles(t *testing.T) {
	w, _ := newTestWatcher(&fakeRunner{})

	assert.True(t, w.Enqueue("/deals/A/X/UW Model/model.xlsb", false))
	assert.False(t, w.Enqueue("/deals/A/X/UW Model/notes.txt", false))
	assert.True(t, w.Enqueue("/deals/A/NewDeal", true))
	assert.True(t, w.Enqueue("/deals/A/X/UW Model/model.xlsb", false))

	assert.Equal(t, []string{"/deals/A/NewDeal", "/deals/A/X/UW Model/model.xlsb"}, w.Pending())
}

func TestDrain_WaitsForCooldown(t *testing.T) {
	r := &fakeRunner{}
	w, c := newTestWatcher(r)
	w.Enqueue("/deals/A/X/UW Model/model.xlsb", false)

	c.t = c.t.Add(2 * time.Second)
	report, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Empty(t, r.runs())

	c.t = c.t.Add(5 * time.Second)
	report, err = w.Drain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, r.runs(), 1)
	assert.Equal(t, pipeline.TriggerWatch, r.runs()[0].Trigger)
	assert.Equal(t, []string{"/deals/A/X/UW Model/model.xlsb"}, r.runs()[0].Paths)
	assert.Empty(t, w.Pending())
}

func TestDrain_RequeuesWhenBatchRunning(t *testing.T) {
	r := &fakeRunner{err: pipeline.ErrBatchRunning}
	w, c := newTestWatcher(r)
	w.Enqueue("/deals/A/X/UW Model/model.xlsb", false)
	c.t = c.t.Add(time.Minute)

	report, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, []string{"/deals/A/X/UW Model/model.xlsb"}, w.Pending())
}

func TestDrain_RateLimited(t *testing.T) {
	r := &fakeRunner{}
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	w := New(r, Options{Cooldown: time.Second, RescansPerMinute: 1})
	w.now = c.now

	w.Enqueue("/a.xlsb", false)
	c.t = c.t.Add(time.Minute)
	_, err := w.Drain(context.Background())
	require.NoError(t, err)

	w.Enqueue("/b.xlsb", false)
	c.t = c.t.Add(time.Minute)
	_, err = w.Drain(context.Background())
	require.NoError(t, err)

	assert.Len(t, r.runs(), 1)
	assert.Equal(t, []string{"/b.xlsb"}, w.Pending())
}

func TestDrain_EmptyQueue(t *testing.T) {
	r := &fakeRunner{}
	w, _ := newTestWatcher(r)
	report, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestDepthOf(t *testing.T) {
	w := New(&fakeRunner{}, Options{Stages: []model.DealStage{model.NewDealStage("/deals/A")}})

	d, ok := w.depthOf("/deals/A")
	assert.True(t, ok)
	assert.Equal(t, 0, d)

	d, ok = w.depthOf(filepath.Join("/deals/A", "Deal", "UW Model"))
	assert.True(t, ok)
	assert.Equal(t, 2, d)

	_, ok = w.depthOf("/elsewhere/x")
	assert.False(t, ok)
}

func TestIsTempName(t *testing.T) {
	assert.True(t, isTempName("~$model.xlsb"))
	assert.True(t, isTempName("ABC123.tmp"))
	assert.False(t, isTempName("model.xlsb"))
}

func TestWatch_QueuesFileEvents(t *testing.T) {
	stage := t.TempDir()
	folder := filepath.Join(stage, "DealX", "UW Model")
	require.NoError(t, os.MkdirAll(folder, 0o755))

	r := &fakeRunner{}
	w := New(r, Options{
		Stages:       []model.DealStage{model.NewDealStage(stage)},
		PollInterval: 50 * time.Millisecond,
		Cooldown:     10 * time.Millisecond,
		Filter:       xlsbOnly,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	target := filepath.Join(folder, "model.xlsb")
	require.Eventually(t, func() bool {
		// Retry the write until the watch is registered.
		_ = os.WriteFile(target, []byte("x"), 0o644)
		for _, s := range r.runs() {
			for _, p := range s.Paths {
				if p == target {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after context cancellation")
	}
}

func TestHandle_RemovedFolderIsQueued(t *testing.T) {
	fw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer fw.Close() //nolint:errcheck

	w, _ := newTestWatcher(&fakeRunner{})
	log := zap.NewNop()

	w.handle(fw, fsnotify.Event{Name: "/deals/A/DealX", Op: fsnotify.Remove}, log)
	w.handle(fw, fsnotify.Event{Name: "/deals/A/DealY/UW Model", Op: fsnotify.Rename}, log)
	w.handle(fw, fsnotify.Event{Name: "/deals/A/DealZ/UW Model/notes.txt", Op: fsnotify.Remove}, log)
	w.handle(fw, fsnotify.Event{Name: "/deals/A/DealZ/UW Model/~$model.xlsb", Op: fsnotify.Remove}, log)

	assert.Equal(t, []string{"/deals/A/DealX", "/deals/A/DealY/UW Model"}, w.Pending())
}

func TestWatching(t *testing.T) {
	fw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer fw.Close() //nolint:errcheck

	dir := t.TempDir()
	require.NoError(t, fw.Add(dir))
	assert.True(t, watching(fw, dir))
	assert.False(t, watching(fw, filepath.Join(dir, "Deal v1.5")))
}
