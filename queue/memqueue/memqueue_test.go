package memqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/queue"
)

func TestFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	q := New()

	require.NoError(t, q.PushOrig(ctx, queue.OrigEntry{Query: "a"}))
	require.NoError(t, q.PushOrig(ctx, queue.OrigEntry{Query: "b"}))

	first, ok, err := q.PopOrig(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", first.Query)

	second, ok, err := q.PopOrig(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", second.Query)

	_, ok, err = q.PopOrig(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountAndClear(t *testing.T) {
	ctx := context.Background()
	q := New()

	require.NoError(t, q.PushFrag(ctx, queue.FragEntry{Fingerprint: "fp1"}))
	require.NoError(t, q.PushFrag(ctx, queue.FragEntry{Fingerprint: "fp2"}))

	count, err := q.CountFrag(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, q.ClearFrag(ctx))
	count, err = q.CountFrag(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
