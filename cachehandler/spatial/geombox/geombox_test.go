package geombox

import (
	"bytes"
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_registry`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_cache`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_query`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := newWithPool(context.Background(), mock, "cache", 4326)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return s, mock
}

func pointWKB(t *testing.T, x, y float64) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wkb.Write(&buf, wkb.NDR, geom.NewPointFlat(geom.XY, []float64{x, y})))
	return buf.Bytes()
}

func TestBoundsOfComputesEnvelope(t *testing.T) {
	geometries := [][]byte{pointWKB(t, 1, 2), pointWKB(t, 5, -3)}
	b, err := boundsOf(geometries)
	require.NoError(t, err)
	require.Equal(t, bbox{minX: 1, minY: -3, maxX: 5, maxY: 2}, b)
}

func TestBboxIntersectOverlap(t *testing.T) {
	a := bbox{minX: 0, minY: 0, maxX: 10, maxY: 10}
	b := bbox{minX: 5, minY: 5, maxX: 15, maxY: 15}
	r, ok := a.intersect(b)
	require.True(t, ok)
	require.Equal(t, bbox{minX: 5, minY: 5, maxX: 10, maxY: 10}, r)
}

func TestBboxIntersectDisjoint(t *testing.T) {
	a := bbox{minX: 0, minY: 0, maxX: 1, maxY: 1}
	b := bbox{minX: 5, minY: 5, maxX: 6, maxY: 6}
	_, ok := a.intersect(b)
	require.False(t, ok)
}

func TestGetIntersectedReturnsOverlapBoundingBox(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	geomsA := [][]byte{pointWKB(t, 0, 0), pointWKB(t, 10, 10)}
	geomsB := [][]byte{pointWKB(t, 5, 5), pointWKB(t, 15, 15)}

	mock.ExpectQuery(`SELECT is_null, min_x, min_y, max_x, max_y, geometries FROM cache_cache`).WithArgs("fpA", "zones").
		WillReturnRows(pgxmock.NewRows([]string{"is_null", "min_x", "min_y", "max_x", "max_y", "geometries"}).AddRow(false, 0.0, 0.0, 10.0, 10.0, geomsA))
	mock.ExpectQuery(`SELECT is_null, min_x, min_y, max_x, max_y, geometries FROM cache_cache`).WithArgs("fpB", "zones").
		WillReturnRows(pgxmock.NewRows([]string{"is_null", "min_x", "min_y", "max_x", "max_y", "geometries"}).AddRow(false, 5.0, 5.0, 15.0, 15.0, geomsB))

	ids, hits, ok, err := s.GetIntersected(ctx, []string{"fpA", "fpB"}, "zones")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, hits)
	require.Len(t, ids.Geometries, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotOkWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT is_null, min_x, min_y, max_x, max_y, geometries FROM cache_cache`).WithArgs("fp1", "zones").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(ctx, "fp1", "zones")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
