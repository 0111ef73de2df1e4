package rewrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/cachehandler/memstore"
	"github.com/MPoppinga/partitioncache/query"
	"github.com/MPoppinga/partitioncache/query/fragment"
	"github.com/MPoppinga/partitioncache/registry"
)

func TestApplyCacheMiss(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	out, stats, err := Apply(ctx, store, "SELECT * FROM users t1 WHERE t1.zip = 1001", "zip", InSubquery, Options{Fragment: fragment.Options{MinComponentSize: 1}})
	require.NoError(t, err)
	require.False(t, stats.Enhanced)
	require.Equal(t, "SELECT * FROM users t1 WHERE t1.zip = 1001", out)
}

func TestApplyCacheHitSplicesInList(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	sql := "SELECT * FROM users t1 WHERE t1.zip = 1001"
	frags, err := generateFor(sql, "zip")
	require.NoError(t, err)
	require.NotEmpty(t, frags)

	for _, f := range frags {
		_, err := store.SetCache(ctx, f.Fingerprint, cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1001, 1002}}, "zip")
		require.NoError(t, err)
		require.NoError(t, store.SetQueryStatus(ctx, f.Fingerprint, "zip", cachehandler.StatusOK))
	}

	out, stats, err := Apply(ctx, store, sql, "zip", InSubquery, Options{Fragment: fragment.Options{MinComponentSize: 1}})
	require.NoError(t, err)
	require.True(t, stats.Enhanced)
	require.Contains(t, out, "zip IN (1001, 1002)")
}

func generateFor(sql, pk string) ([]fragment.Fragment, error) {
	canonical, _, err := query.Canonicalize(sql, query.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return fragment.Generate(canonical, pk, fragment.Options{MinComponentSize: 1})
}
