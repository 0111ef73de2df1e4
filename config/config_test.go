package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_BACKEND", "pgbit")
	t.Setenv("PARTITIONCACHE_PARTITION_CACHE_WORKERS", "9")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "pgbit", cfg.CacheBackend)
	require.Equal(t, 9, cfg.Workers)
	require.Equal(t, Default().BucketStep, cfg.BucketStep)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_BACKEND", "pgbit")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--cache-backend=rediskv"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.Equal(t, "rediskv", cfg.CacheBackend)
}

func TestLoadParsesDurationAndFloatEnv(t *testing.T) {
	t.Setenv("PARTITIONCACHE_PARTITION_CACHE_STATEMENT_TIMEOUT", "5s")
	t.Setenv("PARTITIONCACHE_PARTITION_CACHE_BUCKET_STEP", "0.5")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.StatementTimeout)
	require.Equal(t, 0.5, cfg.BucketStep)
}

