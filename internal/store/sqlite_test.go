package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/uwdash/internal/config"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, Options{BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testRow(path, stage, deal string, price model.Value, closing time.Time) model.Row {
	return model.Row{Path: path, Columns: map[string]model.Value{
		reconcile.ColPath:      model.Text(path),
		reconcile.ColFileName:  model.Text(filepath.Base(path)),
		reconcile.ColStageName: model.Text(stage),
		reconcile.ColDealName:  model.Text(deal),
		"purchase_price":       price,
		"closing_date":         model.Date(closing),
		"notes":                model.Missing(),
	}}
}

func seed(t *testing.T, g Gateway) {
	t.Helper()
	rows := []model.Row{
		testRow("/deals/A/Alpha/UW Model/alpha.xlsb", "1) Initial UW and Review", "Alpha", model.Number(1000000), day(2025, 1, 15)),
		testRow("/deals/A/Bravo/UW Model/bravo.xlsb", "1) Initial UW and Review", "Bravo", model.Number(2500000), day(2025, 2, 1)),
		testRow("/deals/B/Charlie/UW Model/charlie.xlsm", "2) Active UW and Review", "Charlie", model.Text("TBD"), day(2025, 3, 10)),
		testRow("/deals/B/Delta/UW Model/delta.xlsm", "2) Active UW and Review", "Delta", model.Number(500000), day(2024, 12, 1)),
		testRow("/deals/C/Echo/UW Model/echo.xlsb", "3) Deals in Closing", "Echo", model.Number(750000), day(2025, 4, 20)),
	}
	n, err := g.Upsert(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestSQLite_UpsertAddsTypedColumns(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)

	cols, err := st.Columns(context.Background())
	require.NoError(t, err)
	types := map[string]ColumnType{}
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	assert.Equal(t, ColumnNumber, types["purchase_price"])
	assert.Equal(t, ColumnDate, types["closing_date"])
	assert.Equal(t, ColumnText, types["notes"])
	assert.Equal(t, ColumnText, types[reconcile.ColPath])
}

func TestSQLite_GetRoundTripsValues(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)
	ctx := context.Background()

	row, err := st.Get(ctx, "/deals/A/Alpha/UW Model/alpha.xlsb")
	require.NoError(t, err)
	assert.Equal(t, "/deals/A/Alpha/UW Model/alpha.xlsb", row.Path)
	assert.True(t, model.Number(1000000).Equal(row.Get("purchase_price")))
	assert.True(t, model.Date(day(2025, 1, 15)).Equal(row.Get("closing_date")), row.Get("closing_date").String())
	assert.True(t, row.Get("notes").IsMissing())

	// Text kept in a numeric column survives as text.
	row, err = st.Get(ctx, "/deals/B/Charlie/UW Model/charlie.xlsm")
	require.NoError(t, err)
	assert.True(t, model.Text("TBD").Equal(row.Get("purchase_price")))

	_, err = st.Get(ctx, "/nope")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_DoubleUpsertKeepsOneRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	path := "/deals/A/Alpha/UW Model/alpha.xlsb"

	_, err := st.Upsert(ctx, []model.Row{testRow(path, "s", "Alpha", model.Number(1), day(2025, 1, 1))})
	require.NoError(t, err)
	_, err = st.Upsert(ctx, []model.Row{testRow(path, "s", "Alpha", model.Number(2), day(2025, 1, 2))})
	require.NoError(t, err)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := st.Get(ctx, path)
	require.NoError(t, err)
	assert.True(t, model.Number(2).Equal(row.Get("purchase_price")))
	assert.True(t, model.Date(day(2025, 1, 2)).Equal(row.Get("closing_date")))
}

func TestSQLite_QueryFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)
	ctx := context.Background()

	page, err := st.Query(ctx, Filter{Equals: map[string][]string{reconcile.ColStageName: {"2) Active UW and Review"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = st.Query(ctx, Filter{Equals: map[string][]string{"purchase_price": {"2500000"}}})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Bravo", page.Rows[0].Get(reconcile.ColDealName).String())

	page, err = st.Query(ctx, Filter{Equals: map[string][]string{reconcile.ColDealName: {"Alpha", "Echo"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = st.Query(ctx, Filter{Search: "charl"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Charlie", page.Rows[0].Get(reconcile.ColDealName).String())

	_, err = st.Query(ctx, Filter{Equals: map[string][]string{"bogus": {"x"}}})
	assert.True(t, eris.Is(err, ErrUnknownColumn))
	_, err = st.Query(ctx, Filter{OrderBy: "bogus"})
	assert.True(t, eris.Is(err, ErrUnknownColumn))
}

func TestSQLite_QueryOrderAndPaging(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)

	page, err := st.Query(context.Background(), Filter{OrderBy: "closing_date", Desc: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 1, page.Offset)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "Charlie", page.Rows[0].Get(reconcile.ColDealName).String())
	assert.Equal(t, "Bravo", page.Rows[1].Get(reconcile.ColDealName).String())
}

func TestSQLite_CacheInvalidatedByWrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)
	ctx := context.Background()

	first, err := st.Query(ctx, Filter{})
	require.NoError(t, err)
	again, err := st.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Same(t, first, again)

	n, err := st.Delete(ctx, []string{"/deals/A/Alpha/UW Model/alpha.xlsb", "/missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := st.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, after.Total)
}

func TestSQLite_ColumnValues(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)

	vals, err := st.ColumnValues(context.Background(), reconcile.ColStageName)
	require.NoError(t, err)
	assert.Equal(t, []string{"1) Initial UW and Review", "2) Active UW and Review", "3) Deals in Closing"}, vals)

	_, err = st.ColumnValues(context.Background(), "bogus")
	assert.True(t, eris.Is(err, ErrUnknownColumn))
}

func TestSQLite_Failures(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	slow := resilience.NewFailureEntry(model.Failure{Path: "/slow.xlsb", Name: "slow.xlsb", Kind: model.FailTimeout, Cause: "deadline"}, now.Add(-time.Hour))
	bad := resilience.NewFailureEntry(model.Failure{Path: "/bad.xlsb", Name: "bad.xlsb", Kind: model.FailOpen, Cause: "zip: not a valid zip file"}, now)
	require.NoError(t, st.RecordFailures(ctx, []resilience.FailureEntry{slow, bad}))

	all, err := st.ListFailures(ctx, resilience.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/bad.xlsb", all[0].Path)
	assert.Equal(t, resilience.Permanent, all[0].ErrorType)

	due, err := st.ListFailures(ctx, resilience.FailureFilter{DueBefore: now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "/slow.xlsb", due[0].Path)

	// A repeat failure bumps the retry count and keeps the first failure time.
	require.NoError(t, st.RecordFailures(ctx, []resilience.FailureEntry{
		resilience.NewFailureEntry(model.Failure{Path: "/slow.xlsb", Name: "slow.xlsb", Kind: model.FailTimeout, Cause: "deadline"}, now),
	}))
	transient, err := st.ListFailures(ctx, resilience.FailureFilter{ErrorType: resilience.Transient})
	require.NoError(t, err)
	require.Len(t, transient, 1)
	assert.Equal(t, 1, transient[0].RetryCount)
	assert.True(t, transient[0].FirstFailedAt.Equal(now.Add(-time.Hour)))

	require.NoError(t, st.ClearFailures(ctx, []string{"/slow.xlsb", "/bad.xlsb"}))
	all, err = st.ListFailures(ctx, resilience.FailureFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	last, err := st.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	start := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.SaveRun(ctx, model.RunSummary{ID: "r1", Trigger: "manual", StartedAt: start.Add(-time.Hour), FinishedAt: start.Add(-time.Hour), Included: 1}))
	require.NoError(t, st.SaveRun(ctx, model.RunSummary{ID: "r2", Trigger: "watch", StartedAt: start, FinishedAt: start.Add(time.Second), Included: 3, Stored: 2, Failed: 1}))

	last, err = st.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "r2", last.ID)
	assert.Equal(t, "watch", last.Trigger)
	assert.Equal(t, 2, last.Stored)
	assert.True(t, last.StartedAt.Equal(start))
}

func TestSQLite_Optimize(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st)
	require.NoError(t, st.Optimize(context.Background()))

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSQLite_MigrateReloadsColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, Options{})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	seed(t, st)
	require.NoError(t, st.Close())

	reopened, err := NewSQLite(dbPath, Options{})
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	require.NoError(t, reopened.Migrate(context.Background()))

	cols, err := reopened.Columns(context.Background())
	require.NoError(t, err)
	assert.Len(t, cols, 7)
}

func TestNewSQLite_InvalidTable(t *testing.T) {
	_, err := NewSQLite(filepath.Join(t.TempDir(), "x.db"), Options{Table: "drop table;"})
	var cfgErr *model.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "uw.db")
	g, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite", Path: path, Table: "underwriting_model_data"})
	require.NoError(t, err)
	defer g.Close() //nolint:errcheck
	assert.FileExists(t, path)

	_, err = Open(context.Background(), config.StoreConfig{Driver: "oracle"})
	var cfgErr *model.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "store.driver", cfgErr.Key)
}
