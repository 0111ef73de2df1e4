package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobalCollectorsRegisterCleanly(t *testing.T) {
	ResetGlobalMetricsRegistry()

	CacheLookups.WithLabelValues("region_id", "hit").Inc()
	QueueDepth.WithLabelValues("frag").Set(3)

	families, err := GlobalMetricsRegistry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestResetGlobalMetricsRegistryIsRepeatable(t *testing.T) {
	ResetGlobalMetricsRegistry()
	ResetGlobalMetricsRegistry()
}
