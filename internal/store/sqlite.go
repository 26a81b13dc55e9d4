package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/resilience"
)

// SQLiteStore implements Gateway using modernc.org/sqlite. Columns are
// added to the data table as new fields appear.
type SQLiteStore struct {
	db    *sql.DB
	opts  Options
	cache *queryCache

	// writeMu serializes writers; readers run concurrently under WAL.
	writeMu sync.Mutex

	mu    sync.RWMutex
	types map[string]ColumnType
}

// sqlite pragmas apply per connection, so they ride on the DSN.
const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// NewSQLite opens a SQLite database at path in WAL mode.
func NewSQLite(path string, opts Options) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += sqlitePragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	opts = opts.withDefaults()
	if !reconcile.IsStorageName(opts.Table) {
		db.Close() //nolint:errcheck
		return nil, &model.ConfigurationError{Key: "store.table", Reason: "invalid table name " + opts.Table}
	}
	return &SQLiteStore{
		db:    db,
		opts:  opts,
		cache: newQueryCache(opts.CacheTTL),
		types: make(map[string]ColumnType),
	}, nil
}

func (s *SQLiteStore) table() string { return quote(s.opts.Table) }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	absolute_file_path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS extraction_failures (
	absolute_file_path TEXT PRIMARY KEY,
	file_name          TEXT NOT NULL,
	kind               TEXT NOT NULL,
	cause              TEXT NOT NULL,
	error_type         TEXT NOT NULL,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL,
	next_retry_at      INTEGER NOT NULL,
	first_failed_at    INTEGER NOT NULL,
	last_failed_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id             TEXT PRIMARY KEY,
	trigger_source TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	finished_at    INTEGER NOT NULL,
	included       INTEGER NOT NULL,
	excluded       INTEGER NOT NULL,
	failed         INTEGER NOT NULL,
	stored         INTEGER NOT NULL,
	diagnostics    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_failures_next_retry ON extraction_failures(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_started_at ON extraction_runs(started_at);
`, s.table())

	err := resilience.Do(ctx, s.retryConfig("migrate"), func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return s.loadColumns(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) retryConfig(op string) resilience.RetryConfig {
	cfg := s.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("sqlite", op)
	return cfg
}

func (s *SQLiteStore) loadColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.table()))
	if err != nil {
		return eris.Wrap(err, "sqlite: table info")
	}
	defer rows.Close() //nolint:errcheck

	types := make(map[string]ColumnType)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, declType   string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return eris.Wrap(err, "sqlite: scan table info")
		}
		types[name] = columnTypeOf(declType)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: table info iterate")
	}

	s.mu.Lock()
	s.types = types
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) snapshot() map[string]ColumnType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ColumnType, len(s.types))
	for k, v := range s.types {
		out[k] = v
	}
	return out
}

// Upsert writes rows keyed by absolute path in batches, one transaction
// per batch. A second upsert of the same path overwrites its columns.
func (s *SQLiteStore) Upsert(ctx context.Context, rows []model.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer s.cache.flush()

	if err := s.ensureColumns(ctx, rows); err != nil {
		return 0, err
	}

	written := 0
	for _, batch := range chunk(rows, s.opts.BatchSize) {
		err := resilience.Do(ctx, s.retryConfig("upsert"), func(ctx context.Context) error {
			return s.upsertBatch(ctx, batch)
		})
		if err != nil {
			return written, eris.Wrapf(err, "sqlite: upsert batch after %d rows", written)
		}
		written += len(batch)
	}
	return written, nil
}

func (s *SQLiteStore) ensureColumns(ctx context.Context, rows []model.Row) error {
	added, err := newColumns(rows, s.snapshot())
	if err != nil {
		return err
	}
	for _, c := range added {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.table(), quote(c.Name), sqliteType(c.Type))
		err := resilience.Do(ctx, s.retryConfig("add_column"), func(ctx context.Context) error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "sqlite: add column %s", c.Name)
		}
		s.mu.Lock()
		s.types[c.Name] = c.Type
		s.mu.Unlock()
		zap.L().Debug("column added", zap.String("column", c.Name), zap.String("type", string(c.Type)))
	}
	return nil
}

func (s *SQLiteStore) upsertBatch(ctx context.Context, batch []model.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range batch {
		key := rowKey(r)
		if key == "" {
			return eris.New("sqlite: row has no absolute_file_path")
		}
		names := make([]string, 0, len(r.Columns))
		for name := range r.Columns {
			if name != reconcile.ColPath {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		cols := []string{quote(reconcile.ColPath)}
		marks := []string{"?"}
		sets := make([]string, 0, len(names))
		args := []any{key}
		for _, name := range names {
			q := quote(name)
			cols = append(cols, q)
			marks = append(marks, "?")
			sets = append(sets, q+" = excluded."+q)
			args = append(args, r.Columns[name].SQL())
		}
		action := "DO NOTHING"
		if len(sets) > 0 {
			action = "DO UPDATE SET " + strings.Join(sets, ", ")
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
			s.table(), strings.Join(cols, ", "), strings.Join(marks, ", "), quote(reconcile.ColPath), action)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert %s", key)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (*model.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", s.table(), quote(reconcile.ColPath)), path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get row")
	}
	out, err := s.scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: row %s", path)
	}
	return &out[0], nil
}

// Query returns one page of rows matching f. Results are cached until the
// next write.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) (*Page, error) {
	return cached(s.cache, filterKey(f), func() (*Page, error) {
		return s.query(ctx, f)
	})
}

func (s *SQLiteStore) query(ctx context.Context, f Filter) (*Page, error) {
	types := s.snapshot()
	where, args, err := sqliteWhere(types, f)
	if err != nil {
		return nil, err
	}
	order, err := orderColumn(types, f)
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.table(), where), args...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "sqlite: count query")
	}

	q := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s", s.table(), where, quote(order))
	if f.Desc {
		q += " DESC"
	}
	if order != reconcile.ColPath {
		q += ", " + quote(reconcile.ColPath)
	}
	pageArgs := append([]any(nil), args...)
	switch {
	case f.Limit > 0:
		q += " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, f.Limit, f.Offset)
	case f.Offset > 0:
		q += " LIMIT -1 OFFSET ?"
		pageArgs = append(pageArgs, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, pageArgs...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query")
	}
	out, err := s.scanRows(rows)
	if err != nil {
		return nil, err
	}
	return &Page{Rows: out, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func sqliteWhere(types map[string]ColumnType, f Filter) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, col := range keys {
		t, ok := types[col]
		if !ok {
			return "", nil, eris.Wrapf(ErrUnknownColumn, "sqlite: filter on %q", col)
		}
		vals := f.Equals[col]
		if len(vals) == 0 {
			continue
		}
		marks := make([]string, len(vals))
		for i, v := range vals {
			marks[i] = "?"
			args = append(args, filterParam(t, v))
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", quote(col), strings.Join(marks, ", ")))
	}

	if f.Search != "" {
		var ors []string
		for _, c := range columnList(types) {
			if c.Type != ColumnText {
				continue
			}
			ors = append(ors, quote(c.Name)+` LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(f.Search))
		}
		if len(ors) == 0 {
			clauses = append(clauses, "0")
		} else {
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
		}
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func orderColumn(types map[string]ColumnType, f Filter) (string, error) {
	if f.OrderBy == "" {
		return reconcile.ColPath, nil
	}
	if _, ok := types[f.OrderBy]; !ok {
		return "", eris.Wrapf(ErrUnknownColumn, "store: order by %q", f.OrderBy)
	}
	return f.OrderBy, nil
}

func (s *SQLiteStore) scanRows(rows *sql.Rows) ([]model.Row, error) {
	defer rows.Close() //nolint:errcheck

	names, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: columns")
	}
	types := s.snapshot()

	var out []model.Row
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row")
		}
		r := model.Row{Columns: make(map[string]model.Value, len(names))}
		for i, name := range names {
			v := model.FromSQL(vals[i], types[name] == ColumnDate)
			r.Columns[name] = v
			if name == reconcile.ColPath {
				r.Path = v.String()
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate rows")
}

// Delete removes rows by path and returns how many existed.
func (s *SQLiteStore) Delete(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer s.cache.flush()

	total := 0
	for _, part := range chunk(paths, 500) {
		n, err := resilience.DoVal(ctx, s.retryConfig("delete"), func(ctx context.Context) (int64, error) {
			res, err := s.db.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", s.table(), quote(reconcile.ColPath), placeholders(len(part))),
				anySlice(part)...)
			if err != nil {
				return 0, err
			}
			return res.RowsAffected()
		})
		if err != nil {
			return total, eris.Wrap(err, "sqlite: delete rows")
		}
		total += int(n)
	}
	return total, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	return cached(s.cache, "count", func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table())).Scan(&n)
		return n, eris.Wrap(err, "sqlite: count")
	})
}

func (s *SQLiteStore) Columns(_ context.Context) ([]Column, error) {
	return columnList(s.snapshot()), nil
}

// ColumnValues returns the distinct non-empty values of column, rendered as
// text and sorted.
func (s *SQLiteStore) ColumnValues(ctx context.Context, column string) ([]string, error) {
	t, ok := s.snapshot()[column]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownColumn, "sqlite: values of %q", column)
	}
	return cached(s.cache, "values:"+column, func() ([]string, error) {
		q := quote(column)
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL AND %s <> '' ORDER BY 1", q, s.table(), q, q))
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: column values")
		}
		defer rows.Close() //nolint:errcheck

		var out []string
		for rows.Next() {
			var v any
			if err := rows.Scan(&v); err != nil {
				return nil, eris.Wrap(err, "sqlite: scan column value")
			}
			out = append(out, model.FromSQL(v, t == ColumnDate).String())
		}
		return out, eris.Wrap(rows.Err(), "sqlite: column values iterate")
	})
}

// RecordFailures upserts failure entries. A path that failed before keeps
// its first failure time and its retry count grows.
func (s *SQLiteStore) RecordFailures(ctx context.Context, entries []resilience.FailureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := resilience.Do(ctx, s.retryConfig("record_failures"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		for _, e := range entries {
			var prev resilience.FailureEntry
			var first int64
			err := tx.QueryRowContext(ctx,
				`SELECT retry_count, max_retries, first_failed_at FROM extraction_failures WHERE absolute_file_path = ?`,
				e.Path).Scan(&prev.RetryCount, &prev.MaxRetries, &first)
			switch {
			case err == nil:
				prev.FirstFailedAt = fromMillis(first)
				e = e.Repeat(prev)
			case err != sql.ErrNoRows:
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO extraction_failures
				 (absolute_file_path, file_name, kind, cause, error_type, retry_count, max_retries, next_retry_at, first_failed_at, last_failed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Path, e.Name, string(e.Kind), e.Cause, e.ErrorType, e.RetryCount, e.MaxRetries,
				toMillis(e.NextRetryAt), toMillis(e.FirstFailedAt), toMillis(e.LastFailedAt))
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return eris.Wrap(err, "sqlite: record failures")
}

func (s *SQLiteStore) ClearFailures(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, part := range chunk(paths, 500) {
		err := resilience.Do(ctx, s.retryConfig("clear_failures"), func(ctx context.Context) error {
			_, err := s.db.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM extraction_failures WHERE absolute_file_path IN (%s)", placeholders(len(part))),
				anySlice(part)...)
			return err
		})
		if err != nil {
			return eris.Wrap(err, "sqlite: clear failures")
		}
	}
	return nil
}

func (s *SQLiteStore) ListFailures(ctx context.Context, f resilience.FailureFilter) ([]resilience.FailureEntry, error) {
	query := `SELECT absolute_file_path, file_name, kind, cause, error_type, retry_count, max_retries,
	                 next_retry_at, first_failed_at, last_failed_at
	          FROM extraction_failures WHERE 1=1`
	var args []any

	if f.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, f.ErrorType)
	}
	if !f.DueBefore.IsZero() {
		query += ` AND error_type = ? AND retry_count < max_retries AND next_retry_at <= ?`
		args = append(args, resilience.Transient, toMillis(f.DueBefore))
	}
	query += ` ORDER BY last_failed_at DESC, absolute_file_path LIMIT ?`
	args = append(args, failureLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.FailureEntry
	for rows.Next() {
		var (
			e                   resilience.FailureEntry
			kind                string
			next, first, latest int64
		)
		if err := rows.Scan(&e.Path, &e.Name, &kind, &e.Cause, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&next, &first, &latest); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		e.Kind = model.FailureKind(kind)
		e.NextRetryAt, e.FirstFailedAt, e.LastFailedAt = fromMillis(next), fromMillis(first), fromMillis(latest)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunSummary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := resilience.Do(ctx, s.retryConfig("save_run"), func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO extraction_runs
			 (id, trigger_source, started_at, finished_at, included, excluded, failed, stored, diagnostics)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Trigger, toMillis(run.StartedAt), toMillis(run.FinishedAt),
			run.Included, run.Excluded, run.Failed, run.Stored, run.Diagnostics)
		return err
	})
	return eris.Wrap(err, "sqlite: save run")
}

// LastRun returns the most recently started run, or nil when none exists.
func (s *SQLiteStore) LastRun(ctx context.Context) (*model.RunSummary, error) {
	var (
		r               model.RunSummary
		started, finish int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, trigger_source, started_at, finished_at, included, excluded, failed, stored, diagnostics
		 FROM extraction_runs ORDER BY started_at DESC LIMIT 1`).
		Scan(&r.ID, &r.Trigger, &started, &finish, &r.Included, &r.Excluded, &r.Failed, &r.Stored, &r.Diagnostics)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last run")
	}
	r.StartedAt, r.FinishedAt = fromMillis(started), fromMillis(finish)
	return &r, nil
}

// indexedColumns are indexed by Optimize when present.
var indexedColumns = []string{reconcile.ColStageName, reconcile.ColDealName, reconcile.ColModified}

// Optimize indexes the common filter columns, refreshes planner statistics
// and compacts the file.
func (s *SQLiteStore) Optimize(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	types := s.snapshot()
	stmts := make([]string, 0, len(indexedColumns)+2)
	for _, col := range indexedColumns {
		if _, ok := types[col]; !ok {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quote("idx_"+s.opts.Table+"_"+col), s.table(), quote(col)))
	}
	stmts = append(stmts, "ANALYZE", "VACUUM")

	for _, stmt := range stmts {
		err := resilience.Do(ctx, s.retryConfig("optimize"), func(ctx context.Context) error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "sqlite: %s", stmt)
		}
	}
	zap.L().Info("database optimized", zap.String("table", s.opts.Table))
	return nil
}

// helpers

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func sqliteType(t ColumnType) string {
	switch t {
	case ColumnNumber:
		return "REAL"
	case ColumnDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

func columnTypeOf(decl string) ColumnType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "DATE"), strings.Contains(d, "TIME"):
		return ColumnDate
	case strings.Contains(d, "REAL"), strings.Contains(d, "NUM"), strings.Contains(d, "INT"),
		strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return ColumnNumber
	default:
		return ColumnText
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func failureLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
