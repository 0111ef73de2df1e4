package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/cachehandler/memstore"
	"github.com/MPoppinga/partitioncache/query"
	"github.com/MPoppinga/partitioncache/query/fragment"
	"github.com/MPoppinga/partitioncache/queue"
	"github.com/MPoppinga/partitioncache/queue/memqueue"
	"github.com/MPoppinga/partitioncache/registry"
)

// fakeExecutor returns a fixed, configurable outcome instead of reaching a
// real database.
type fakeExecutor struct {
	ids      cachehandler.IdentifierSet
	hitLimit bool
	timedOut bool
	err      error
	calls    int
}

func (f *fakeExecutor) ExecuteFragment(_ context.Context, _ string, _ time.Duration, _ int) (cachehandler.IdentifierSet, bool, bool, error) {
	f.calls++
	return f.ids, f.hitLimit, f.timedOut, f.err
}

func testConfig(q queue.Queue, store cachehandler.Store) Config {
	return Config{
		Queue:    q,
		Fragment: fragment.Options{Query: query.DefaultOptions()},
		Store: func(string, string) (cachehandler.Store, error) {
			return store, nil
		},
		Workers:          1,
		StatementTimeout: time.Second,
		RowLimit:         1000,
	}
}

func TestPreProcessorGeneratesFragments(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "region_id", registry.DatatypeInteger, nil))

	require.NoError(t, q.PushOrig(ctx, queue.OrigEntry{
		Query:        "SELECT * FROM orders o WHERE o.region_id = 5",
		PartitionKey: "region_id",
	}))

	p := NewPreProcessor(testConfig(q, store))
	p.Start(ctx)
	require.Eventually(t, func() bool {
		n, err := q.CountFrag(ctx)
		return err == nil && n > 0
	}, time.Second, 10*time.Millisecond)
	p.Stop()

	n, err := q.CountFrag(ctx)
	require.NoError(t, err)
	require.Greater(t, n, 0)
}

func TestWorkerPoolPopulatesCacheOnSuccess(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "region_id", registry.DatatypeInteger, nil))

	require.NoError(t, q.PushFrag(ctx, queue.FragEntry{
		Query:             "SELECT o.region_id FROM orders o WHERE o.region_id = 5",
		Fingerprint:       "fp-ok",
		PartitionKey:      "region_id",
		PartitionDatatype: registry.DatatypeInteger,
	}))

	exec := &fakeExecutor{ids: cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1, 2, 3}}}
	wp := NewWorkerPool(testConfig(q, store), exec)
	wp.Start(ctx)
	require.Eventually(t, func() bool {
		status, ok, err := store.GetQueryStatus(ctx, "fp-ok", "region_id")
		return err == nil && ok && status == cachehandler.StatusOK
	}, time.Second, 10*time.Millisecond)
	wp.Stop()

	ids, ok, err := store.Get(ctx, "fp-ok", "region_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int64{1, 2, 3}, ids.Ints)
}

func TestWorkerPoolMarksNullOnRowLimit(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "region_id", registry.DatatypeInteger, nil))

	require.NoError(t, q.PushFrag(ctx, queue.FragEntry{
		Query:             "SELECT o.region_id FROM orders o",
		Fingerprint:       "fp-limit",
		PartitionKey:      "region_id",
		PartitionDatatype: registry.DatatypeInteger,
	}))

	exec := &fakeExecutor{hitLimit: true}
	wp := NewWorkerPool(testConfig(q, store), exec)
	wp.Start(ctx)
	require.Eventually(t, func() bool {
		status, ok, err := store.GetQueryStatus(ctx, "fp-limit", "region_id")
		return err == nil && ok && status == cachehandler.StatusFailed
	}, time.Second, 10*time.Millisecond)
	wp.Stop()

	isNull, err := store.IsNull(ctx, "fp-limit", "region_id")
	require.NoError(t, err)
	require.True(t, isNull)
}

func TestWorkerPoolSkipsAlreadyCachedFragment(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "region_id", registry.DatatypeInteger, nil))
	_, err := store.SetCache(ctx, "fp-cached", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{9}}, "region_id")
	require.NoError(t, err)
	require.NoError(t, store.SetQueryStatus(ctx, "fp-cached", "region_id", cachehandler.StatusOK))

	require.NoError(t, q.PushFrag(ctx, queue.FragEntry{
		Query:             "SELECT o.region_id FROM orders o",
		Fingerprint:       "fp-cached",
		PartitionKey:      "region_id",
		PartitionDatatype: registry.DatatypeInteger,
	}))

	exec := &fakeExecutor{ids: cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1}}}
	wp := NewWorkerPool(testConfig(q, store), exec)
	wp.Start(ctx)
	require.Eventually(t, func() bool {
		n, err := q.CountFrag(ctx)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
	wp.Stop()

	require.Equal(t, 0, exec.calls)
	ids, ok, err := store.Get(ctx, "fp-cached", "region_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int64{9}, ids.Ints)
}
