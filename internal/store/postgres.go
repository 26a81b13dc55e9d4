package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/db"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/resilience"
)

// PostgresStore implements Gateway on PostgreSQL. Each row's columns live
// in one JSONB document keyed by absolute path; column types are kept in a
// side table.
type PostgresStore struct {
	pool  db.Pool
	opts  Options
	cache *queryCache

	writeMu sync.Mutex

	mu    sync.RWMutex
	types map[string]ColumnType
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, opts Options, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, opts)
}

func newPostgresStore(pool db.Pool, opts Options) (*PostgresStore, error) {
	opts = opts.withDefaults()
	if !reconcile.IsStorageName(opts.Table) {
		return nil, &model.ConfigurationError{Key: "store.table", Reason: "invalid table name " + opts.Table}
	}
	return &PostgresStore{
		pool:  pool,
		opts:  opts,
		cache: newQueryCache(opts.CacheTTL),
		types: make(map[string]ColumnType),
	}, nil
}

func (s *PostgresStore) table() string { return pgx.Identifier{s.opts.Table}.Sanitize() }

func (s *PostgresStore) columnsTable() string {
	return pgx.Identifier{s.opts.Table + "_columns"}.Sanitize()
}

func (s *PostgresStore) retryConfig(op string) resilience.RetryConfig {
	cfg := s.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("postgres", op)
	return cfg
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	absolute_file_path TEXT PRIMARY KEY,
	data               JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[2]s (
	name TEXT PRIMARY KEY,
	type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_failures (
	absolute_file_path TEXT PRIMARY KEY,
	file_name          TEXT NOT NULL,
	kind               TEXT NOT NULL,
	cause              TEXT NOT NULL,
	error_type         TEXT NOT NULL,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL,
	next_retry_at      TIMESTAMPTZ NOT NULL,
	first_failed_at    TIMESTAMPTZ NOT NULL,
	last_failed_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id             TEXT PRIMARY KEY,
	trigger_source TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	included       INTEGER NOT NULL,
	excluded       INTEGER NOT NULL,
	failed         INTEGER NOT NULL,
	stored         INTEGER NOT NULL,
	diagnostics    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s USING GIN (data);
CREATE INDEX IF NOT EXISTS idx_extraction_failures_next_retry ON extraction_failures(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_started_at ON extraction_runs(started_at);
`, s.table(), s.columnsTable(), pgx.Identifier{"idx_" + s.opts.Table + "_data"}.Sanitize())

	err := resilience.Do(ctx, s.retryConfig("migrate"), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, schema)
		return err
	})
	if err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return s.loadColumns(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) loadColumns(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT name, type FROM %s", s.columnsTable()))
	if err != nil {
		return eris.Wrap(err, "postgres: load columns")
	}
	defer rows.Close()

	types := map[string]ColumnType{reconcile.ColPath: ColumnText}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return eris.Wrap(err, "postgres: scan column")
		}
		types[name] = ColumnType(typ)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load columns iterate")
	}

	s.mu.Lock()
	s.types = types
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) snapshot() map[string]ColumnType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ColumnType, len(s.types))
	for k, v := range s.types {
		out[k] = v
	}
	return out
}

// Upsert merges each row's columns into its stored document in batches.
func (s *PostgresStore) Upsert(ctx context.Context, rows []model.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer s.cache.flush()

	if err := s.ensureColumns(ctx, rows); err != nil {
		return 0, err
	}

	cfg := db.UpsertConfig{
		Table:        s.opts.Table,
		Columns:      []string{reconcile.ColPath, "data", "updated_at"},
		ConflictKeys: []string{reconcile.ColPath},
		UpdateExpr: map[string]string{
			"data": s.table() + `."data" || EXCLUDED."data"`,
		},
	}

	written := 0
	for _, batch := range chunk(rows, s.opts.BatchSize) {
		now := time.Now().UTC()
		values := make([][]any, 0, len(batch))
		for _, r := range batch {
			key := rowKey(r)
			if key == "" {
				return written, eris.New("postgres: row has no absolute_file_path")
			}
			doc, err := json.Marshal(r.Columns)
			if err != nil {
				return written, eris.Wrapf(err, "postgres: marshal row %s", key)
			}
			values = append(values, []any{key, doc, now})
		}
		_, err := resilience.DoVal(ctx, s.retryConfig("upsert"), func(ctx context.Context) (int64, error) {
			return db.BulkUpsert(ctx, s.pool, cfg, values)
		})
		if err != nil {
			return written, eris.Wrapf(err, "postgres: upsert batch after %d rows", written)
		}
		written += len(batch)
	}
	return written, nil
}

func (s *PostgresStore) ensureColumns(ctx context.Context, rows []model.Row) error {
	added, err := newColumns(rows, s.snapshot())
	if err != nil {
		return err
	}
	for _, c := range added {
		err := resilience.Do(ctx, s.retryConfig("add_column"), func(ctx context.Context) error {
			_, err := s.pool.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (name, type) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING", s.columnsTable()),
				c.Name, string(c.Type))
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "postgres: register column %s", c.Name)
		}
		s.mu.Lock()
		s.types[c.Name] = c.Type
		s.mu.Unlock()
		zap.L().Debug("column added", zap.String("column", c.Name), zap.String("type", string(c.Type)))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) (*model.Row, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE absolute_file_path = $1", s.table()), path).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: row %s", path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get row")
	}
	r, err := s.decodeRow(path, doc, s.snapshot())
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) decodeRow(path string, doc []byte, types map[string]ColumnType) (model.Row, error) {
	cols := make(map[string]model.Value, len(types))
	if err := json.Unmarshal(doc, &cols); err != nil {
		return model.Row{}, eris.Wrapf(err, "postgres: decode row %s", path)
	}
	for name := range types {
		if _, ok := cols[name]; !ok {
			cols[name] = model.Missing()
		}
	}
	cols[reconcile.ColPath] = model.Text(path)
	return model.Row{Path: path, Columns: cols}, nil
}

// Query returns one page of rows matching f.
func (s *PostgresStore) Query(ctx context.Context, f Filter) (*Page, error) {
	return cached(s.cache, filterKey(f), func() (*Page, error) {
		return s.query(ctx, f)
	})
}

func (s *PostgresStore) query(ctx context.Context, f Filter) (*Page, error) {
	types := s.snapshot()
	where, args, err := postgresWhere(types, f)
	if err != nil {
		return nil, err
	}
	order, err := orderColumn(types, f)
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.table(), where), args...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: count query")
	}

	pageArgs := append([]any(nil), args...)
	orderExpr := "absolute_file_path"
	if order != reconcile.ColPath {
		pageArgs = append(pageArgs, order)
		orderExpr = fmt.Sprintf("data->$%d", len(pageArgs))
	}
	q := fmt.Sprintf("SELECT absolute_file_path, data FROM %s%s ORDER BY %s", s.table(), where, orderExpr)
	if f.Desc {
		q += " DESC"
	}
	if order != reconcile.ColPath {
		q += ", absolute_file_path"
	}
	if f.Limit > 0 {
		pageArgs = append(pageArgs, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(pageArgs))
	}
	if f.Offset > 0 {
		pageArgs = append(pageArgs, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(pageArgs))
	}

	rows, err := s.pool.Query(ctx, q, pageArgs...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query")
	}
	defer rows.Close()

	page := &Page{Total: total, Limit: f.Limit, Offset: f.Offset}
	for rows.Next() {
		var (
			path string
			doc  []byte
		)
		if err := rows.Scan(&path, &doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan row")
		}
		r, err := s.decodeRow(path, doc, types)
		if err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, r)
	}
	return page, eris.Wrap(rows.Err(), "postgres: query iterate")
}

func postgresWhere(types map[string]ColumnType, f Filter) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, col := range keys {
		t, ok := types[col]
		if !ok {
			return "", nil, eris.Wrapf(ErrUnknownColumn, "postgres: filter on %q", col)
		}
		vals := f.Equals[col]
		if len(vals) == 0 {
			continue
		}
		if col == reconcile.ColPath {
			clauses = append(clauses, "absolute_file_path = ANY("+next(vals)+")")
			continue
		}
		key := next(col)
		if t == ColumnNumber {
			nums := make([]float64, 0, len(vals))
			for _, v := range vals {
				if f, ok := parseFloat(v); ok {
					nums = append(nums, f)
				}
			}
			clauses = append(clauses, fmt.Sprintf(
				"(CASE WHEN jsonb_typeof(data->%[1]s) = 'number' THEN (data->>%[1]s)::float8 END = ANY(%[2]s) OR data->>%[1]s = ANY(%[3]s))",
				key, next(nums), next(vals)))
			continue
		}
		params := make([]string, len(vals))
		for i, v := range vals {
			params[i] = fmt.Sprint(filterParam(t, v))
		}
		clauses = append(clauses, fmt.Sprintf("data->>%s = ANY(%s)", key, next(params)))
	}

	if f.Search != "" {
		clauses = append(clauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM jsonb_each(data) AS kv WHERE jsonb_typeof(kv.value) = 'string' AND kv.value #>> '{}' ILIKE %s ESCAPE '\')`,
			next(likePattern(f.Search))))
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (s *PostgresStore) Delete(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer s.cache.flush()

	n, err := resilience.DoVal(ctx, s.retryConfig("delete"), func(ctx context.Context) (int64, error) {
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE absolute_file_path = ANY($1)", s.table()), paths)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	return int(n), eris.Wrap(err, "postgres: delete rows")
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	return cached(s.cache, "count", func() (int, error) {
		var n int
		err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table())).Scan(&n)
		return n, eris.Wrap(err, "postgres: count")
	})
}

func (s *PostgresStore) Columns(_ context.Context) ([]Column, error) {
	return columnList(s.snapshot()), nil
}

func (s *PostgresStore) ColumnValues(ctx context.Context, column string) ([]string, error) {
	if _, ok := s.snapshot()[column]; !ok {
		return nil, eris.Wrapf(ErrUnknownColumn, "postgres: values of %q", column)
	}
	return cached(s.cache, "values:"+column, func() ([]string, error) {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			"SELECT DISTINCT data->>$1 FROM %s WHERE COALESCE(data->>$1, '') <> '' ORDER BY 1", s.table()), column)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: column values")
		}
		defer rows.Close()

		var out []string
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return nil, eris.Wrap(err, "postgres: scan column value")
			}
			out = append(out, v)
		}
		return out, eris.Wrap(rows.Err(), "postgres: column values iterate")
	})
}

func (s *PostgresStore) RecordFailures(ctx context.Context, entries []resilience.FailureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := resilience.Do(ctx, s.retryConfig("record_failures"), func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		for _, e := range entries {
			var prev resilience.FailureEntry
			err := tx.QueryRow(ctx,
				`SELECT retry_count, max_retries, first_failed_at FROM extraction_failures
				 WHERE absolute_file_path = $1 FOR UPDATE`, e.Path).
				Scan(&prev.RetryCount, &prev.MaxRetries, &prev.FirstFailedAt)
			switch {
			case err == nil:
				e = e.Repeat(prev)
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO extraction_failures
				 (absolute_file_path, file_name, kind, cause, error_type, retry_count, max_retries, next_retry_at, first_failed_at, last_failed_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (absolute_file_path) DO UPDATE SET
				   file_name = $2, kind = $3, cause = $4, error_type = $5, retry_count = $6,
				   max_retries = $7, next_retry_at = $8, first_failed_at = $9, last_failed_at = $10`,
				e.Path, e.Name, string(e.Kind), e.Cause, e.ErrorType, e.RetryCount, e.MaxRetries,
				e.NextRetryAt, e.FirstFailedAt, e.LastFailedAt)
			if err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	return eris.Wrap(err, "postgres: record failures")
}

func (s *PostgresStore) ClearFailures(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM extraction_failures WHERE absolute_file_path = ANY($1)`, paths)
	return eris.Wrap(err, "postgres: clear failures")
}

func (s *PostgresStore) ListFailures(ctx context.Context, f resilience.FailureFilter) ([]resilience.FailureEntry, error) {
	query := `SELECT absolute_file_path, file_name, kind, cause, error_type, retry_count, max_retries,
	                 next_retry_at, first_failed_at, last_failed_at
	          FROM extraction_failures WHERE 1=1`
	var args []any
	argIdx := 1

	if f.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, f.ErrorType)
		argIdx++
	}
	if !f.DueBefore.IsZero() {
		query += fmt.Sprintf(` AND error_type = $%d AND retry_count < max_retries AND next_retry_at <= $%d`, argIdx, argIdx+1)
		args = append(args, resilience.Transient, f.DueBefore)
		argIdx += 2
	}
	query += fmt.Sprintf(` ORDER BY last_failed_at DESC, absolute_file_path LIMIT $%d`, argIdx)
	args = append(args, failureLimit(f.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []resilience.FailureEntry
	for rows.Next() {
		var (
			e    resilience.FailureEntry
			kind string
		)
		if err := rows.Scan(&e.Path, &e.Name, &kind, &e.Cause, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.FirstFailedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		e.Kind = model.FailureKind(kind)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) SaveRun(ctx context.Context, run model.RunSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_runs
		 (id, trigger_source, started_at, finished_at, included, excluded, failed, stored, diagnostics)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Trigger, run.StartedAt, run.FinishedAt,
		run.Included, run.Excluded, run.Failed, run.Stored, run.Diagnostics)
	return eris.Wrap(err, "postgres: save run")
}

func (s *PostgresStore) LastRun(ctx context.Context) (*model.RunSummary, error) {
	var r model.RunSummary
	err := s.pool.QueryRow(ctx,
		`SELECT id, trigger_source, started_at, finished_at, included, excluded, failed, stored, diagnostics
		 FROM extraction_runs ORDER BY started_at DESC LIMIT 1`).
		Scan(&r.ID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Included, &r.Excluded, &r.Failed, &r.Stored, &r.Diagnostics)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last run")
	}
	return &r, nil
}

// Optimize refreshes planner statistics and reclaims dead tuples.
func (s *PostgresStore) Optimize(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, t := range []string{s.table(), "extraction_failures", "extraction_runs"} {
		if _, err := s.pool.Exec(ctx, "VACUUM ANALYZE "+t); err != nil {
			return eris.Wrapf(err, "postgres: vacuum %s", t)
		}
	}
	zap.L().Info("database optimized", zap.String("table", s.opts.Table))
	return nil
}
