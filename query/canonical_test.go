package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeAssignsStableAliases(t *testing.T) {
	a, aliasesA, err := Canonicalize("SELECT * FROM users u WHERE u.zip = 1001", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, "t1", aliasesA["u"])

	b, _, err := Canonicalize("select * from users x where x.zip = 1001", DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, a, b)
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	once, _, err := Canonicalize("SELECT * FROM users u WHERE u.zip = 1001", DefaultOptions())
	require.NoError(t, err)

	twice, _, err := Canonicalize(once, DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, once, twice)
}

func TestCanonicalizeStripsOrderAndLimit(t *testing.T) {
	out, _, err := Canonicalize("SELECT * FROM users u WHERE u.zip = 1001 ORDER BY u.zip LIMIT 10", DefaultOptions())
	require.NoError(t, err)
	require.NotContains(t, out, "order by")
	require.NotContains(t, out, "limit")
}

func TestCanonicalizeBucketsRange(t *testing.T) {
	opts := Options{BucketStep: 1.0}
	out, _, err := Canonicalize("SELECT * FROM t WHERE dist BETWEEN 1.6 AND 3.6", opts)
	require.NoError(t, err)
	require.Contains(t, out, "between 1 and 4")
}

func TestCanonicalizeBucketStepChangesFingerprint(t *testing.T) {
	a, _, err := Canonicalize("SELECT * FROM t WHERE dist BETWEEN 1.6 AND 3.6", Options{BucketStep: 1.0})
	require.NoError(t, err)
	b, _, err := Canonicalize("SELECT * FROM t WHERE dist BETWEEN 1.6 AND 3.6", Options{BucketStep: 0.5})
	require.NoError(t, err)

	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestCanonicalizeInvalidQuery(t *testing.T) {
	_, _, err := Canonicalize("SELEC * FORM t", DefaultOptions())
	require.Error(t, err)
}

func TestFingerprintDeterministic(t *testing.T) {
	require.Equal(t, Fingerprint("select 1"), Fingerprint("select 1"))
	require.Len(t, Fingerprint("select 1"), 40)
}
