package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyInsert_EmptyRows(t *testing.T) {
	n, err := CopyInsert(context.TODO(), nil, "feedback_items", []string{"id", "source"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyInsert_NoColumns(t *testing.T) {
	_, err := CopyInsert(context.TODO(), nil, "feedback_items", nil, [][]any{{"1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestCopyInsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_insert_feedback_items" \(LIKE "feedback_items" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_feedback_items"}, []string{"id", "source"}).WillReturnResult(3)
	mock.ExpectExec(`INSERT INTO "feedback_items" \("id", "source"\) SELECT "id", "source" FROM "_tmp_insert_feedback_items" ON CONFLICT DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{{"1", "x"}, {"2", "y"}, {"3", "y"}}
	n, err := CopyInsert(context.Background(), mock, "feedback_items", []string{"id", "source"}, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyInsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_feedback_items"}, []string{"id"}).WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = CopyInsert(context.Background(), mock, "feedback_items", []string{"id"}, [][]any{{"1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO _tmp_insert_feedback_items")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "source", "content"`, quoteAndJoin([]string{"id", "source", "content"}))
}
