package rewrite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveBufferDistancePicksLargestRadius(t *testing.T) {
	sql := "SELECT * FROM stores t1 WHERE ST_DWithin(t1.geom, ST_Point(1,2), 500) AND ST_DWithin(t1.geom, ST_Point(3,4), 1500)"
	require.Equal(t, 1500.0, deriveBufferDistance(sql))
}

func TestDeriveBufferDistanceNoMatchIsZero(t *testing.T) {
	require.Equal(t, 0.0, deriveBufferDistance("SELECT * FROM stores t1 WHERE t1.zip = 1001"))
}
