package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/cachehandler/memstore"
	"github.com/MPoppinga/partitioncache/registry"
)

func newPopulatedStore(t *testing.T, pk string, entries map[string][]int64) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.RegisterPartitionKey(ctx, pk, registry.DatatypeInteger, nil))
	for key, ids := range entries {
		_, err := s.SetCache(ctx, key, cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: ids}, pk)
		require.NoError(t, err)
	}
	return s
}

func TestPruneRemovesEverythingWhenCutoffIsInTheFuture(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{"fp1": {1}, "fp2": {2}})

	removed, err := Prune(ctx, s, "zip", -1)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := s.GetAllKeys(ctx, "zip")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestPruneLeavesRecentEntriesAlone(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{"fp1": {1}})

	removed, err := Prune(ctx, s, "zip", 30)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	keys, err := s.GetAllKeys(ctx, "zip")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestEvictLargestRemovesBiggestEntriesFirst(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{
		"small":  {1, 2},
		"medium": {1, 2, 3, 4},
		"big":    {1, 2, 3, 4, 5, 6, 7, 8},
	})

	removed, err := Evict(ctx, s, "zip", StrategyLargest, 2)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	keys, err := s.GetAllKeys(ctx, "zip")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"small", "medium"}, keys)
}

func TestEvictBelowThresholdIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{"fp1": {1}})

	removed, err := Evict(ctx, s, "zip", StrategyOldest, 10)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestRemoveTerminationEntriesDeletesSentinelKeysOnly(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{
		"fp1":               {1},
		"_LIMIT_fp2":        {},
		"_TIMEOUT_fp3":      {},
		"fp4_LIMIT_notreal": {9},
	})

	removed, err := RemoveTerminationEntries(ctx, s, "zip")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := s.GetAllKeys(ctx, "zip")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"fp1", "fp4_LIMIT_notreal"}, keys)
}

func TestRemoveLargeEntriesDeletesOverThreshold(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{
		"small": {1, 2},
		"big":   {1, 2, 3, 4, 5},
	})

	removed, err := RemoveLargeEntries(ctx, s, "zip", 3)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	keys, err := s.GetAllKeys(ctx, "zip")
	require.NoError(t, err)
	require.Equal(t, []string{"small"}, keys)
}

func TestDeletePartitionDropsEverything(t *testing.T) {
	ctx := context.Background()
	s := newPopulatedStore(t, "zip", map[string][]int64{"fp1": {1}})

	existed, err := DeletePartition(ctx, s, "zip")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = s.GetAllKeys(ctx, "zip")
	require.Error(t, err)
}
