package h3grid

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"github.com/uber/h3-go/v4"

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

	s, err := newWithPool(context.Background(), mock, "cache", defaultResolution)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return s, mock
}

func TestCellInt64RoundTrip(t *testing.T) {
	cell := h3.LatLngToCell(h3.NewLatLng(37.77, -122.41), 9)
	back := int64ToCells(cellsToInt64([]h3.Cell{cell}))
	require.Equal(t, []h3.Cell{cell}, back)
}

func TestIntersectCellsRequiresPresenceInEverySet(t *testing.T) {
	a := h3.LatLngToCell(h3.NewLatLng(1, 1), 9)
	b := h3.LatLngToCell(h3.NewLatLng(2, 2), 9)
	c := h3.LatLngToCell(h3.NewLatLng(3, 3), 9)
	merged := intersectCells([][]h3.Cell{{a, b}, {b, c}})
	require.Equal(t, []h3.Cell{b}, merged)
}

func TestRejectUnsafeLazyQueryCatchesDDL(t *testing.T) {
	require.Error(t, rejectUnsafeLazyQuery("DROP TABLE foo"))
	require.NoError(t, rejectUnsafeLazyQuery("SELECT id FROM foo"))
}

func TestRegisterPartitionKeyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"datatype", "resolution"}).AddRow("text", 9)
	mock.ExpectQuery(`SELECT datatype, resolution FROM cache_registry`).WithArgs("zones").WillReturnRows(rows)

	err := s.RegisterPartitionKey(ctx, "zones", registry.DatatypeGeometry, nil)
	require.True(t, cachehandler.IsKind(err, cachehandler.DatatypeConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotOkWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT is_null, cells FROM cache_cache`).WithArgs("fp1", "zones").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(ctx, "fp1", "zones")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
