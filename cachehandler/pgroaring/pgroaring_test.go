package pgroaring

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_registry`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_cache`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_query`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := newWithPool(context.Background(), mock, "cache")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return s, mock
}

func TestBitmapRoundTripsThroughSerialization(t *testing.T) {
	bm, err := bitmapFromInts([]int64{1, 5, 1000, 1000000})
	require.NoError(t, err)
	raw, err := serializeBitmap(bm)
	require.NoError(t, err)
	back, err := deserializeBitmap(raw)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 5, 1000, 1000000}, intsFromBitmap(back))
}

func TestBitmapFromIntsRejectsOutOfRange(t *testing.T) {
	_, err := bitmapFromInts([]int64{-1})
	require.True(t, cachehandler.IsKind(err, cachehandler.DomainOverflow))
}

func TestRegisterPartitionKeyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"datatype"}).AddRow("text")
	mock.ExpectQuery(`SELECT datatype FROM cache_registry`).WithArgs("zip").WillReturnRows(rows)

	err := s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil)
	require.True(t, cachehandler.IsKind(err, cachehandler.DatatypeConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntersectedAndsAcrossEntries(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	bmA, _ := bitmapFromInts([]int64{1, 2, 3})
	bmB, _ := bitmapFromInts([]int64{2, 3, 4})
	rawA, _ := serializeBitmap(bmA)
	rawB, _ := serializeBitmap(bmB)

	mock.ExpectQuery(`SELECT is_null, bitmap FROM cache_cache`).WithArgs("fpA", "zip").
		WillReturnRows(pgxmock.NewRows([]string{"is_null", "bitmap"}).AddRow(false, rawA))
	mock.ExpectQuery(`SELECT is_null, bitmap FROM cache_cache`).WithArgs("fpB", "zip").
		WillReturnRows(pgxmock.NewRows([]string{"is_null", "bitmap"}).AddRow(false, rawB))

	ids, hits, ok, err := s.GetIntersected(ctx, []string{"fpA", "fpB"}, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, hits)
	require.Equal(t, []int64{2, 3}, ids.Ints)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotOkWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT is_null, bitmap FROM cache_cache`).WithArgs("fp1", "zip").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
