package reftable

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/workbook"
)

// Loader lazily loads the reference table and caches it. The cache is
// dropped when the file's modification time advances or, if ttl is set,
// when the table is older than ttl.
type Loader struct {
	path  string
	sheet string
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	table    *Table
	modTime  time.Time
	loadedAt time.Time
}

// NewLoader creates a Loader for the given workbook and sheet.
func NewLoader(path, sheet string, ttl time.Duration) *Loader {
	return &Loader{path: path, sheet: sheet, ttl: ttl, now: time.Now}
}

// Path returns the reference workbook path.
func (l *Loader) Path() string { return l.path }

// Load returns the cached table, reloading it when stale. A failed reload
// keeps serving the previous table.
func (l *Loader) Load(ctx context.Context) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "reftable: load")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	log := zap.L().With(zap.String("reference", l.path))

	info, err := os.Stat(l.path)
	if err != nil {
		if l.table != nil {
			log.Warn("reference file unavailable, using cached table", zap.Error(err))
			return l.table, nil
		}
		return nil, eris.Wrap(err, "reftable: stat reference file")
	}

	if l.table != nil && !info.ModTime().After(l.modTime) && !l.expired() {
		return l.table, nil
	}

	t, err := l.read()
	if err != nil {
		if l.table != nil {
			log.Warn("reload reference table failed, using cached table", zap.Error(err))
			return l.table, nil
		}
		return nil, err
	}
	for _, w := range t.Warnings {
		log.Warn("reference row skipped", zap.String("detail", w))
	}
	log.Info("reference table loaded", zap.Int("entries", len(t.Entries)), zap.Int("skipped", len(t.Warnings)))

	l.table = t
	l.modTime = info.ModTime()
	l.loadedAt = l.now()
	return t, nil
}

// Invalidate drops the cached table.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.table = nil
	l.mu.Unlock()
}

func (l *Loader) expired() bool {
	return l.ttl > 0 && l.now().Sub(l.loadedAt) >= l.ttl
}

func (l *Loader) read() (*Table, error) {
	rows, err := workbook.ReadRows(l.path, l.sheet)
	if err != nil {
		return nil, eris.Wrap(err, "reftable: read reference sheet")
	}
	t, err := Parse(rows)
	if err != nil {
		return nil, eris.Wrapf(err, "reftable: parse sheet %q", l.sheet)
	}
	if len(t.Entries) == 0 {
		return nil, eris.Errorf("reftable: sheet %q has no usable rows", l.sheet)
	}
	return t, nil
}
