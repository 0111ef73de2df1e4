package rediskv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "pc_test")
}

func TestRegisterAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	ok, err := s.SetCache(ctx, "fp1", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1, 2, 3}}, "zip")
	require.NoError(t, err)
	require.True(t, ok)

	got, present, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.True(t, present)
	require.ElementsMatch(t, []int64{1, 2, 3}, got.Ints)
}

func TestRegisterPartitionKeyConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	err := s.RegisterPartitionKey(ctx, "zip", registry.DatatypeText, nil)
	require.True(t, cachehandler.IsKind(err, cachehandler.DatatypeConflict))
}

func TestSetNullMakesEntryAbsentButPresent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	_, err := s.SetNull(ctx, "fp1", "zip")
	require.NoError(t, err)

	isNull, err := s.IsNull(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.True(t, isNull)

	_, ok, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.False(t, ok)

	exists, err := s.Exists(ctx, "fp1", "zip", false)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGetIntersectedUsesSinterstore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	_, err := s.SetCache(ctx, "fpA", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1, 2, 3}}, "zip")
	require.NoError(t, err)
	_, err = s.SetCache(ctx, "fpB", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{2, 3, 4}}, "zip")
	require.NoError(t, err)

	ids, hits, ok, err := s.GetIntersected(ctx, []string{"fpA", "fpB"}, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, hits)
	require.ElementsMatch(t, []int64{2, 3}, ids.Ints)
}

func TestFilterExistingKeysRequiresQueryStatusWhenChecked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	_, err := s.SetCache(ctx, "fp1", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1}}, "zip")
	require.NoError(t, err)

	present, err := s.FilterExistingKeys(ctx, []string{"fp1"}, "zip", true)
	require.NoError(t, err)
	require.Empty(t, present)

	require.NoError(t, s.SetQueryStatus(ctx, "fp1", "zip", cachehandler.StatusOK))
	present, err = s.FilterExistingKeys(ctx, []string{"fp1"}, "zip", true)
	require.NoError(t, err)
	require.Equal(t, []string{"fp1"}, present)
}

func TestDeletePartitionRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	_, err := s.SetCache(ctx, "fp1", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1}}, "zip")
	require.NoError(t, err)

	ok, err := s.DeletePartition(ctx, "zip")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.Get(ctx, "fp1", "zip")
	require.True(t, cachehandler.IsMissing(err))
}
