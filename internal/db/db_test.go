package db

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "call_attempts", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"call_attempts"}, []string{"a", "b"}).WillReturnResult(3)

	rows := [][]any{{1, "x"}, {2, "y"}, {3, "z"}}
	n, err := CopyFrom(context.Background(), mock, "call_attempts", []string{"a", "b"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"call_attempts"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "call_attempts", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO call_attempts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "provider_overrides",
		Columns:      []string{"provider_id", "manual_disabled", "health_score"},
		ConflictKeys: []string{"provider_id"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "provider_overrides" ("provider_id", "manual_disabled", "health_score") VALUES ($1, $2, $3) `+
			`ON CONFLICT ("provider_id") DO UPDATE SET "manual_disabled" = EXCLUDED."manual_disabled", "health_score" = EXCLUDED."health_score"`,
		sql)
}

func TestUpsertSQL_DoNothing(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "t",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "DO NOTHING")
}

func TestUpsertSQL_Invalid(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{Table: "t", ConflictKeys: []string{"id"}})
	assert.ErrorContains(t, err, "no columns specified")

	_, err = UpsertSQL(UpsertConfig{Table: "t", Columns: []string{"id"}})
	assert.ErrorContains(t, err, "no conflict keys specified")

	_, err = UpsertSQL(UpsertConfig{Columns: []string{"id"}, ConflictKeys: []string{"id"}})
	assert.ErrorContains(t, err, "no table specified")
}

func TestUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{Table: "kv", Columns: []string{"k", "v"}, ConflictKeys: []string{"k"}}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "kv"`)).
		WithArgs("a", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, Upsert(context.Background(), mock, cfg, []any{"a", 1}))
	assert.NoError(t, mock.ExpectationsWereMet())

	err = Upsert(context.Background(), mock, cfg, []any{"a"})
	assert.ErrorContains(t, err, "1 values for 2 columns")
}
