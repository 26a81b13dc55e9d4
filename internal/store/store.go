// Package store persists reconciled rows, failures and run summaries.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/uwdash/internal/config"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/resilience"
)

// Lookup errors. Callers test with eris.Is.
var (
	ErrNotFound      = eris.New("store: not found")
	ErrUnknownColumn = eris.New("store: unknown column")
)

// ColumnType is the declared type of a dynamic column.
type ColumnType string

// Column types.
const (
	ColumnText   ColumnType = "text"
	ColumnNumber ColumnType = "number"
	ColumnDate   ColumnType = "date"
)

// Column describes one stored column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Filter selects rows. Equals keys are storage column names; several values
// for one key match any of them.
type Filter struct {
	Equals  map[string][]string `json:"equals,omitempty"`
	Search  string              `json:"search,omitempty"`
	OrderBy string              `json:"order_by,omitempty"`
	Desc    bool                `json:"desc,omitempty"`
	Limit   int                 `json:"limit,omitempty"` // <= 0 returns every row
	Offset  int                 `json:"offset,omitempty"`
}

// Page is one window of a query plus the unpaged total.
type Page struct {
	Rows   []model.Row `json:"rows"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// Gateway is the persistence interface shared by the SQLite and PostgreSQL
// backends.
type Gateway interface {
	Migrate(ctx context.Context) error

	// Rows
	Upsert(ctx context.Context, rows []model.Row) (int, error)
	Get(ctx context.Context, path string) (*model.Row, error)
	Query(ctx context.Context, f Filter) (*Page, error)
	Delete(ctx context.Context, paths []string) (int, error)
	Count(ctx context.Context) (int, error)
	Columns(ctx context.Context) ([]Column, error)
	ColumnValues(ctx context.Context, column string) ([]string, error)

	// Failures
	RecordFailures(ctx context.Context, entries []resilience.FailureEntry) error
	ClearFailures(ctx context.Context, paths []string) error
	ListFailures(ctx context.Context, f resilience.FailureFilter) ([]resilience.FailureEntry, error)

	// Runs
	SaveRun(ctx context.Context, run model.RunSummary) error
	LastRun(ctx context.Context) (*model.RunSummary, error)

	// Lifecycle
	Optimize(ctx context.Context) error
	Close() error
}

// Options tunes either backend.
type Options struct {
	Table     string
	BatchSize int
	CacheTTL  time.Duration
	Retry     resilience.RetryConfig
}

// Names of the side tables.
const (
	failuresTable = "extraction_failures"
	runsTable     = "extraction_runs"
)

func (o Options) withDefaults() Options {
	if o.Table == "" {
		o.Table = "underwriting_model_data"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	return o
}

// Open connects the configured backend and migrates it.
func Open(ctx context.Context, cfg config.StoreConfig) (Gateway, error) {
	opts := Options{
		Table:     cfg.Table,
		BatchSize: cfg.BatchSize,
		CacheTTL:  cfg.CacheTTL(),
		Retry:     resilience.FromConfig(cfg.Retry),
	}

	var (
		g   Gateway
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "store: create %s", dir)
			}
		}
		g, err = NewSQLite(cfg.Path, opts)
	case "postgres", "postgresql":
		g, err = NewPostgres(ctx, cfg.DatabaseURL, opts, &PoolConfig{MaxConns: cfg.MaxConns})
	default:
		return nil, &model.ConfigurationError{Key: "store.driver", Reason: "unsupported driver " + cfg.Driver}
	}
	if err != nil {
		return nil, err
	}
	if err := g.Migrate(ctx); err != nil {
		g.Close() //nolint:errcheck
		return nil, err
	}
	return g, nil
}

// typeOf picks a column type from the first value that carries one.
func typeOf(v model.Value) ColumnType {
	switch v.Kind() {
	case model.KindNumber:
		return ColumnNumber
	case model.KindDate:
		return ColumnDate
	default:
		return ColumnText
	}
}

// newColumns returns the columns of rows that known lacks, typed by their
// first non-missing value.
func newColumns(rows []model.Row, known map[string]ColumnType) ([]Column, error) {
	found := make(map[string]ColumnType)
	decided := make(map[string]bool)
	for _, r := range rows {
		for name, v := range r.Columns {
			if _, ok := known[name]; ok || decided[name] {
				continue
			}
			if !reconcile.IsStorageName(name) {
				return nil, eris.Wrapf(ErrUnknownColumn, "store: invalid column name %q", name)
			}
			if v.IsMissing() {
				found[name] = ColumnText
				continue
			}
			found[name] = typeOf(v)
			decided[name] = true
		}
	}
	out := make([]Column, 0, len(found))
	for name, t := range found {
		out = append(out, Column{Name: name, Type: t})
	}
	sortColumns(out)
	return out, nil
}

func sortColumns(cols []Column) {
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
}

// columnList flattens a type map into sorted columns.
func columnList(types map[string]ColumnType) []Column {
	out := make([]Column, 0, len(types))
	for name, t := range types {
		out = append(out, Column{Name: name, Type: t})
	}
	sortColumns(out)
	return out
}

// filterParam converts a query-string value to a parameter comparable with
// a column of type t.
func filterParam(t ColumnType, s string) any {
	switch t {
	case ColumnNumber:
		if f, ok := parseFloat(s); ok {
			return f
		}
	case ColumnDate:
		if d, ok := model.ParseDate(s); ok {
			return d.Format(model.DateLayout)
		}
	}
	return s
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil && model.IsFinite(f)
}

// rowKey returns the row's primary key, preferring the explicit path.
func rowKey(r model.Row) string {
	if r.Path != "" {
		return r.Path
	}
	return r.Get(reconcile.ColPath).String()
}

// likePattern escapes s for LIKE ... ESCAPE '\'.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
