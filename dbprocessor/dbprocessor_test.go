package dbprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/cachehandler/memstore"
	"github.com/MPoppinga/partitioncache/queue"
	"github.com/MPoppinga/partitioncache/queue/memqueue"
	"github.com/MPoppinga/partitioncache/registry"
)

func newMockProcessor(t *testing.T) (*Processor, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_processor_config`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_processor_log`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE OR REPLACE FUNCTION`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`DROP TRIGGER IF EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	p, err := newWithPool(context.Background(), mock, "cache")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return p, mock
}

func TestSetupInsertsConfigRow(t *testing.T) {
	p, mock := newMockProcessor(t)
	mock.ExpectExec(`INSERT INTO cache_processor_config`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := p.Setup(context.Background(), JobConfig{
		Enabled:         true,
		Frequency:       5 * time.Second,
		TablePrefix:     "cache",
		Partitions:      []string{"zip", "region_id"},
		MaxParallelJobs: 4,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnableAndDisable(t *testing.T) {
	p, mock := newMockProcessor(t)
	mock.ExpectExec(`UPDATE cache_processor_config SET enabled`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, p.Enable(context.Background()))

	mock.ExpectExec(`UPDATE cache_processor_config SET enabled`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, p.Disable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusReportsConfigAndRecentOutcomes(t *testing.T) {
	p, mock := newMockProcessor(t)
	mock.ExpectQuery(`SELECT enabled, frequency_seconds, partitions, max_parallel_jobs FROM cache_processor_config`).
		WillReturnRows(pgxmock.NewRows([]string{"enabled", "frequency_seconds", "partitions", "max_parallel_jobs"}).
			AddRow(true, 5, "zip,region_id", 4))
	mock.ExpectQuery(`FROM cache_processor_log`).
		WillReturnRows(pgxmock.NewRows([]string{"successes", "failures"}).AddRow(7, 2))

	st, err := p.Status(context.Background())
	require.NoError(t, err)
	require.True(t, st.Enabled)
	require.Equal(t, 4, st.MaxParallelJobs)
	require.Equal(t, 5*time.Second, st.Frequency)
	require.Equal(t, []string{"zip", "region_id"}, st.Partitions)
	require.Equal(t, 7, st.RecentSuccesses)
	require.Equal(t, 2, st.RecentFailures)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogsFiltersByStatus(t *testing.T) {
	p, mock := newMockProcessor(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT job_id, fingerprint, partition_key, status`).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "fingerprint", "partition_key", "status", "error_message", "rows_affected", "execution_time_ms", "created_at",
		}).AddRow(int64(1), "fp1", "zip", "failed", "row limit exceeded", 0, 120, now))

	logs, err := p.Logs(context.Background(), 20, cachehandler.StatusFailed)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "fp1", logs[0].Fingerprint)
	require.Equal(t, cachehandler.StatusFailed, logs[0].Status)
	require.Equal(t, 120*time.Millisecond, logs[0].ExecutionTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeExecutor struct {
	ids cachehandler.IdentifierSet
}

func (f *fakeExecutor) ExecuteFragment(_ context.Context, _ string, _ time.Duration, _ int) (cachehandler.IdentifierSet, bool, bool, error) {
	return f.ids, false, false, nil
}

func TestRunOnceSkipsDisabledProcessor(t *testing.T) {
	p, mock := newMockProcessor(t)
	mock.ExpectQuery(`SELECT enabled, frequency_seconds, partitions, max_parallel_jobs FROM cache_processor_config`).
		WillReturnRows(pgxmock.NewRows([]string{"enabled", "frequency_seconds", "partitions", "max_parallel_jobs"}).
			AddRow(false, 1, "", 1))
	mock.ExpectQuery(`FROM cache_processor_log`).
		WillReturnRows(pgxmock.NewRows([]string{"successes", "failures"}).AddRow(0, 0))

	q := memqueue.New()
	store := memstore.New()
	n, err := p.RunOnce(context.Background(), q, store, &fakeExecutor{}, time.Second, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceProcessesOneFragment(t *testing.T) {
	p, mock := newMockProcessor(t)
	mock.ExpectQuery(`SELECT enabled, frequency_seconds, partitions, max_parallel_jobs FROM cache_processor_config`).
		WillReturnRows(pgxmock.NewRows([]string{"enabled", "frequency_seconds", "partitions", "max_parallel_jobs"}).
			AddRow(true, 1, "", 1))
	mock.ExpectQuery(`FROM cache_processor_log`).
		WillReturnRows(pgxmock.NewRows([]string{"successes", "failures"}).AddRow(0, 0))
	mock.ExpectExec(`INSERT INTO cache_processor_log`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	q := memqueue.New()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	require.NoError(t, q.PushFrag(ctx, queue.FragEntry{
		Query:             "SELECT t1.zip FROM users t1 WHERE t1.zip = 1001",
		Fingerprint:       "fp-done",
		PartitionKey:      "zip",
		PartitionDatatype: registry.DatatypeInteger,
	}))

	exec := &fakeExecutor{ids: cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1001}}}
	n, err := p.RunOnce(ctx, q, store, exec, time.Second, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		status, ok, err := store.GetQueryStatus(ctx, "fp-done", "zip")
		return err == nil && ok && status == cachehandler.StatusOK
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, mock.ExpectationsWereMet())
}
