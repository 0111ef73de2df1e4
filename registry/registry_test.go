package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("zip", DatatypeInteger, 0))
	require.NoError(t, r.Register("zip", DatatypeInteger, 0))

	e, err := r.Get("zip")
	require.NoError(t, err)
	require.Equal(t, DatatypeInteger, e.Datatype)
}

func TestRegisterDatatypeConflict(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("zip", DatatypeInteger, 0))

	err := r.Register("zip", DatatypeText, 0)
	require.Error(t, err)
	require.True(t, IsConflict(err))
}

func TestRegisterBitsizeGrowOnly(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("zip", DatatypeInteger, 64))
	require.NoError(t, r.Register("zip", DatatypeInteger, 128))

	e, err := r.Get("zip")
	require.NoError(t, err)
	require.Equal(t, 128, e.Bitsize)

	err = r.Register("zip", DatatypeInteger, 32)
	require.Error(t, err)
	require.True(t, IsConflict(err))
}

func TestGetNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("missing")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestRemoveIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("zip", DatatypeInteger, 0))
	r.Remove("zip")
	r.Remove("zip")
	_, err := r.Get("zip")
	require.True(t, IsNotFound(err))
}

func TestParseDatatypeRoundTrip(t *testing.T) {
	for _, dt := range []Datatype{DatatypeInteger, DatatypeFloat, DatatypeText, DatatypeTimestamp, DatatypeGeometry} {
		parsed, err := ParseDatatype(dt.String())
		require.NoError(t, err)
		require.Equal(t, dt, parsed)
	}

	_, err := ParseDatatype("unknown")
	require.Error(t, err)
}
