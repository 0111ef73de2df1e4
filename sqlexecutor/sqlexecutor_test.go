package sqlexecutor

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/registry"
)

func newMockExecutor(t *testing.T) (*Executor, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return New(mock), mock
}

func TestExecuteFragmentClassifiesIntegerColumn(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectQuery(`SELECT region_id FROM orders`).
		WillReturnRows(pgxmock.NewRows([]string{"region_id"}).AddRow(int64(1)).AddRow(int64(2)).AddRow(int64(3)))

	ids, hitLimit, timedOut, err := e.ExecuteFragment(context.Background(), "SELECT region_id FROM orders", time.Second, 0)
	require.NoError(t, err)
	require.False(t, hitLimit)
	require.False(t, timedOut)
	require.Equal(t, registry.DatatypeInteger, ids.Datatype)
	require.Equal(t, []int64{1, 2, 3}, ids.Ints)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteFragmentClassifiesTextColumn(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectQuery(`SELECT zip FROM orders`).
		WillReturnRows(pgxmock.NewRows([]string{"zip"}).AddRow("90210").AddRow("10001"))

	ids, _, _, err := e.ExecuteFragment(context.Background(), "SELECT zip FROM orders", time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, registry.DatatypeText, ids.Datatype)
	require.Equal(t, []string{"90210", "10001"}, ids.Texts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteFragmentHitsRowLimit(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectQuery(`SELECT region_id FROM orders`).
		WillReturnRows(pgxmock.NewRows([]string{"region_id"}).AddRow(int64(1)).AddRow(int64(2)).AddRow(int64(3)))

	_, hitLimit, timedOut, err := e.ExecuteFragment(context.Background(), "SELECT region_id FROM orders", time.Second, 2)
	require.NoError(t, err)
	require.True(t, hitLimit)
	require.False(t, timedOut)
}

func TestExecuteFragmentEmptyResultDefaultsToInteger(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectQuery(`SELECT region_id FROM orders`).
		WillReturnRows(pgxmock.NewRows([]string{"region_id"}))

	ids, _, _, err := e.ExecuteFragment(context.Background(), "SELECT region_id FROM orders", time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, registry.DatatypeInteger, ids.Datatype)
	require.Equal(t, 0, ids.Len())
}
