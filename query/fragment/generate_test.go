package fragment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MPoppinga/partitioncache/query"
)

func TestGenerateSingleTableEmitsAtLeastOneFragment(t *testing.T) {
	canonical, _, err := query.Canonicalize("SELECT * FROM users t1 WHERE t1.zip=1001", query.DefaultOptions())
	require.NoError(t, err)

	frags, err := Generate(canonical, "zip", Options{MinComponentSize: 1})
	require.NoError(t, err)
	require.NotEmpty(t, frags)
}

func TestGenerateIsDeterministic(t *testing.T) {
	canonical, _, err := query.Canonicalize("SELECT * FROM users t1, orders t2 WHERE t1.zip=1001 AND t1.id=t2.user_id", query.DefaultOptions())
	require.NoError(t, err)

	opts := Options{MinComponentSize: 1, FollowGraph: true}
	a, err := Generate(canonical, "zip", opts)
	require.NoError(t, err)
	b, err := Generate(canonical, "zip", opts)
	require.NoError(t, err)

	require.Equal(t, a, b)
}

func TestGenerateAddConstraintsChangesFingerprint(t *testing.T) {
	canonical, _, err := query.Canonicalize("SELECT * FROM users t1 WHERE t1.zip=1001", query.DefaultOptions())
	require.NoError(t, err)

	without, err := Generate(canonical, "zip", Options{MinComponentSize: 1})
	require.NoError(t, err)

	with, err := Generate(canonical, "zip", Options{MinComponentSize: 1, AddConstraints: map[string]string{"t1": "t1.pop > 10000"}})
	require.NoError(t, err)

	require.NotEqual(t, without[0].Fingerprint, with[0].Fingerprint)
}

func TestGenerateStarJoinReattachesIntoEveryFragment(t *testing.T) {
	canonical, _, err := query.Canonicalize(
		"SELECT * FROM users t1, orders t2, zip_codes p0 WHERE t1.id=t2.user_id AND t1.zip=p0.zip AND p0.region='north'",
		query.DefaultOptions())
	require.NoError(t, err)

	frags, err := Generate(canonical, "zip", Options{MinComponentSize: 1, FollowGraph: true})
	require.NoError(t, err)
	require.NotEmpty(t, frags)

	for _, f := range frags {
		require.Contains(t, f.SQL, "zip_codes", "every fragment must reattach the star-join table")
		require.Contains(t, f.SQL, "region", "every fragment must keep the star table's own predicate")
	}
}

func TestGenerateExtractsInSubqueryIntoOwnFragment(t *testing.T) {
	canonical, _, err := query.Canonicalize(
		"SELECT * FROM users t1 WHERE t1.zip=1001 AND t1.id IN (SELECT user_id FROM banned_users)",
		query.DefaultOptions())
	require.NoError(t, err)

	frags, err := Generate(canonical, "zip", Options{MinComponentSize: 1})
	require.NoError(t, err)

	var found bool
	for _, f := range frags {
		if strings.Contains(f.SQL, "in (select") {
			found = true
		}
	}
	require.True(t, found, "expected a dedicated fragment for the IN (SELECT ...) predicate")
}

func TestGenerateExtractsInValueListIntoOwnFragment(t *testing.T) {
	canonical, _, err := query.Canonicalize(
		"SELECT * FROM users t1 WHERE t1.zip=1001 AND t1.status IN ('a', 'b', 'c')",
		query.DefaultOptions())
	require.NoError(t, err)

	frags, err := Generate(canonical, "zip", Options{MinComponentSize: 1})
	require.NoError(t, err)

	var found bool
	for _, f := range frags {
		if strings.Contains(f.SQL, "t1.status in") {
			found = true
		}
	}
	require.True(t, found, "expected a dedicated fragment for the IN (VALUES ...) predicate")
}

func TestConnectedSubsetsRespectsSizeBounds(t *testing.T) {
	g := Graph{Nodes: []string{"t1", "t2", "t3"}, Edges: []Edge{{A: "t1", B: "t2"}, {A: "t2", B: "t3"}}}

	subsets := ConnectedSubsets(g, 2, 2)
	for _, s := range subsets {
		require.Len(t, s, 2)
	}
	require.NotContains(t, subsets, []string{"t1", "t3"})
}
