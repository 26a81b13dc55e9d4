package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "underwriting_model_data",
		Columns:      []string{"absolute_file_path", "data"},
		ConflictKeys: []string{"absolute_file_path"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "underwriting_model_data",
		ConflictKeys: []string{"absolute_file_path"},
	}, [][]any{{"/a", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "underwriting_model_data",
		Columns: []string{"absolute_file_path", "data"},
	}, [][]any{{"/a", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"absolute_file_path", "data"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_underwriting_model_data"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_underwriting_model_data"}, cols).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "underwriting_model_data" .* ON CONFLICT \("absolute_file_path"\) DO UPDATE SET "data" = "underwriting_model_data"\."data" \|\| EXCLUDED\."data"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "underwriting_model_data",
		Columns:      cols,
		ConflictKeys: []string{"absolute_file_path"},
		UpdateExpr:   map[string]string{"data": `"underwriting_model_data"."data" || EXCLUDED."data"`},
	}, [][]any{{"/a", []byte(`{}`)}, {"/b", []byte(`{}`)}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_t"}, []string{"k"}).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "t",
		Columns:      []string{"k"},
		ConflictKeys: []string{"k"},
	}, [][]any{{"x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
}

func TestUpsertSQL_DoNothingWhenOnlyKeys(t *testing.T) {
	got := upsertSQL(UpsertConfig{Table: "t", Columns: []string{"k"}, ConflictKeys: []string{"k"}}, "tmp")
	assert.Equal(t, `INSERT INTO "t" ("k") SELECT "k" FROM "tmp" ON CONFLICT ("k") DO NOTHING`, got)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"uw.underwriting_model_data", `"uw"."underwriting_model_data"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"absolute_file_path", "data"`, quoteAndJoin([]string{"absolute_file_path", "data"}))
}
