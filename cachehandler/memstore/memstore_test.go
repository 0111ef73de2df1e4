package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func TestSetCacheThenGet(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	ok, err := s.SetCache(ctx, "fp1", cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: []int64{1001, 1002}}, "zip")
	require.NoError(t, err)
	require.True(t, ok)

	got, present, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.True(t, present)
	require.ElementsMatch(t, []int64{1001, 1002}, got.Ints)
}

func TestRegisterDatatypeConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	err := s.RegisterPartitionKey(ctx, "zip", registry.DatatypeText, nil)
	require.Error(t, err)
	require.True(t, cachehandler.IsKind(err, cachehandler.DatatypeConflict))
}

func TestGetOnUnregisteredPartitionIsMissing(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _, err := s.Get(ctx, "fp1", "zip")
	require.Error(t, err)
	require.True(t, cachehandler.IsMissing(err))
}

func TestSetNullThenIsNullAndGetAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	ok, err := s.SetNull(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.True(t, ok)

	isNull, err := s.IsNull(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.True(t, isNull)

	_, present, err := s.Get(ctx, "fp1", "zip")
	require.NoError(t, err)
	require.False(t, present)

	exists, err := s.Exists(ctx, "fp1", "zip", false)
	require.NoError(t, err)
	require.True(t, exists)

	existsUsable, err := s.Exists(ctx, "fp1", "zip", true)
	require.NoError(t, err)
	require.False(t, existsUsable)
}

func TestGetIntersected(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	_, err := setInts(ctx, s, "fp1", []int64{1001, 1002, 90210}, "zip")
	require.NoError(t, err)
	_, err = setInts(ctx, s, "fp2", []int64{1002, 90210, 77777}, "zip")
	require.NoError(t, err)

	got, hits, ok, err := s.GetIntersected(ctx, []string{"fp1", "fp2"}, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, hits)
	require.ElementsMatch(t, []int64{1002, 90210}, got.Ints)
}

func TestGetIntersectedEmptyWhenNoOverlap(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))

	_, err := setInts(ctx, s, "fp1", []int64{1}, "zip")
	require.NoError(t, err)
	_, err = setInts(ctx, s, "fp2", []int64{2}, "zip")
	require.NoError(t, err)

	_, hits, ok, err := s.GetIntersected(ctx, []string{"fp1", "fp2"}, "zip")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, hits)
}

func TestDeletePartitionRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	_, err := setInts(ctx, s, "fp1", []int64{1}, "zip")
	require.NoError(t, err)

	ok, err := s.DeletePartition(ctx, "zip")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.Get(ctx, "fp1", "zip")
	require.True(t, cachehandler.IsMissing(err))

	keys, err := s.GetPartitionKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFilterExistingKeysRespectsCheckQuery(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterPartitionKey(ctx, "zip", registry.DatatypeInteger, nil))
	_, err := setInts(ctx, s, "fp1", []int64{1}, "zip")
	require.NoError(t, err)
	require.NoError(t, s.SetQueryStatus(ctx, "fp1", "zip", cachehandler.StatusFailed))

	present, err := s.FilterExistingKeys(ctx, []string{"fp1", "fp2"}, "zip", false)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"fp1"}, present)

	usable, err := s.FilterExistingKeys(ctx, []string{"fp1", "fp2"}, "zip", true)
	require.NoError(t, err)
	require.Empty(t, usable)
}

func setInts(ctx context.Context, s *Store, key string, ids []int64, pk string) (bool, error) {
	return s.SetCache(ctx, key, cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: ids}, pk)
}
