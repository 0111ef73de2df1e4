package pgbit

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

func TestBitsetFromIntsAndBack(t *testing.T) {
	ids := []int64{0, 1, 8, 63, 64}
	bits := bitsetFromInts(ids)
	require.Equal(t, ids, intsFromBitset(bits))
}

func TestAndBitsetsIntersectsAcrossLengths(t *testing.T) {
	a := bitsetFromInts([]int64{1, 2, 10, 20})
	b := bitsetFromInts([]int64{2, 10})
	require.Equal(t, []int64{2, 10}, intsFromBitset(andBitsets([][]byte{a, b})))
}

func TestRegisterPartitionKeyInsertsOnFirstUse(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`SELECT pg_advisory_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectQuery(`SELECT datatype, bitsize FROM cache_registry`).WithArgs("zip").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO cache_registry`).WithArgs("zip", "integer", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WillReturnResult(pgxmock.NewResult("SELECT", 0))

	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterPartitionKeyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`SELECT pg_advisory_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 0))
	rows := pgxmock.NewRows([]string{"datatype", "bitsize"}).AddRow("text", 0)
	mock.ExpectQuery(`SELECT datatype, bitsize FROM cache_registry`).WithArgs("zip").WillReturnRows(rows)
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WillReturnResult(pgxmock.NewResult("SELECT", 0))

	err := s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil)
	require.True(t, cachehandler.IsKind(err, cachehandler.DatatypeConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotOkWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT is_null, bits FROM cache_cache`).WithArgs("fp1", "zip").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntersectedAndsPresentEntries(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	bitsA := bitsetFromInts([]int64{1, 2, 3})
	bitsB := bitsetFromInts([]int64{2, 3, 4})
	mock.ExpectQuery(`SELECT is_null, bits FROM cache_cache`).WithArgs("fpA", "zip").
		WillReturnRows(pgxmock.NewRows([]string{"is_null", "bits"}).AddRow(false, bitsA))
	mock.ExpectQuery(`SELECT is_null, bits FROM cache_cache`).WithArgs("fpB", "zip").
		WillReturnRows(pgxmock.NewRows([]string{"is_null", "bits"}).AddRow(false, bitsB))

	ids, hits, ok, err := s.GetIntersected(ctx, []string{"fpA", "fpB"}, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, hits)
	require.Equal(t, []int64{2, 3}, ids.Ints)
	require.NoError(t, mock.ExpectationsWereMet())
}
