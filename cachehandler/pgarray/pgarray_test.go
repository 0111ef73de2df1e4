package pgarray

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_registry`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_cache`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_query`).WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := newWithDB(db, "cache")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return s, mock
}

func TestRegisterPartitionKeyInsertsOnFirstUse(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT datatype FROM cache_registry`).WithArgs("zip").
		WillReturnError(errNoRows())
	mock.ExpectExec(`INSERT INTO cache_registry`).WithArgs("zip", "integer").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterPartitionKeyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"datatype"}).AddRow("text")
	mock.ExpectQuery(`SELECT datatype FROM cache_registry`).WithArgs("zip").WillReturnRows(rows)

	err := s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil)
	require.True(t, cachehandler.IsKind(err, cachehandler.DatatypeConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotOkWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"datatype"}).AddRow("integer")
	mock.ExpectQuery(`SELECT datatype FROM cache_registry`).WithArgs("zip").WillReturnRows(rows)
	mock.ExpectQuery(`SELECT is_null, ints, floats, texts, timestamps FROM cache_cache`).WithArgs("fp1", "zip").
		WillReturnError(errNoRows())

	_, ok, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func errNoRows() error { return sql.ErrNoRows }
