// Package config resolves partitioncache's configuration from, in order
// of precedence, explicit CLI flags, PARTITIONCACHE_* environment
// variables, and built-in defaults (§6). No configuration file is read.
// It follows the teacher's viper-backed env-to-flag binding
// (cmd/internal/env), generalised from a single global "opa_" prefix to a
// config struct whose mapstructure tags name each field's key.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved, defaulted configuration for every
// partitioncache component: cache backends, the queue realisation, and
// fragment-generation defaults.
type Config struct {
	CacheBackend string `mapstructure:"cache_backend"`

	PGArrayTablePrefix   string `mapstructure:"pg_array_cache_table_prefix"`
	PGBitTablePrefix     string `mapstructure:"pg_bit_cache_table_prefix"`
	PGRoaringTablePrefix string `mapstructure:"pg_roaring_cache_table_prefix"`
	GeomBoxTablePrefix   string `mapstructure:"geombox_cache_table_prefix"`
	GeomBoxSRID          int    `mapstructure:"geombox_srid"`
	H3GridTablePrefix    string `mapstructure:"h3grid_cache_table_prefix"`
	H3GridResolution     int    `mapstructure:"h3grid_resolution"`

	DatabaseDSN string `mapstructure:"database_dsn"`

	QueryQueueProvider string `mapstructure:"query_queue_provider"`
	PGQueueDSN         string `mapstructure:"pg_queue_dsn"`
	PGQueueTablePrefix string `mapstructure:"pg_queue_table_prefix"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_key_prefix"`

	BucketStep          float64 `mapstructure:"partition_cache_bucket_step"`
	BucketFunctionsOnly bool    `mapstructure:"partition_cache_bucket_functions_only"`

	StatementTimeout time.Duration `mapstructure:"partition_cache_statement_timeout"`
	RowLimit         int           `mapstructure:"partition_cache_row_limit"`
	Workers          int           `mapstructure:"partition_cache_workers"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the built-in defaults every other source overrides.
func Default() Config {
	return Config{
		CacheBackend: "memstore",

		PGArrayTablePrefix:   "partitioncache_array",
		PGBitTablePrefix:     "partitioncache_bit",
		PGRoaringTablePrefix: "partitioncache_roaring",
		GeomBoxTablePrefix:   "partitioncache_geombox",
		GeomBoxSRID:          4326,
		H3GridTablePrefix:    "partitioncache_h3grid",
		H3GridResolution:     9,

		QueryQueueProvider: "memqueue",
		PGQueueTablePrefix: "partitioncache_queue",

		RedisDB:     0,
		RedisPrefix: "partitioncache",

		BucketStep:          1.0,
		BucketFunctionsOnly: false,

		StatementTimeout: 30 * time.Second,
		RowLimit:         1_000_000,
		Workers:          4,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

const envPrefix = "partitioncache"

// Load resolves Config from flags (if non-nil and parsed), then the
// process environment (PARTITIONCACHE_<FIELD>), then defaults. flags may
// be nil, in which case only the environment and defaults apply.
func Load(flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
		// Flag names are kebab-case; mapstructure keys (and env bindings)
		// are snake_case. Alias each flag to its struct key so a flag value
		// actually reaches Unmarshal.
		flags.VisitAll(func(f *pflag.Flag) {
			v.RegisterAlias(strings.ReplaceAll(f.Name, "-", "_"), f.Name)
		})
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// bindEnv registers every mapstructure key with v so AutomaticEnv can see
// it even before any flag or file value is set.
func bindEnv(v *viper.Viper) error {
	for _, key := range []string{
		"cache_backend",
		"pg_array_cache_table_prefix",
		"pg_bit_cache_table_prefix",
		"pg_roaring_cache_table_prefix",
		"geombox_cache_table_prefix",
		"geombox_srid",
		"h3grid_cache_table_prefix",
		"h3grid_resolution",
		"database_dsn",
		"query_queue_provider",
		"pg_queue_dsn",
		"pg_queue_table_prefix",
		"redis_addr",
		"redis_password",
		"redis_db",
		"redis_key_prefix",
		"partition_cache_bucket_step",
		"partition_cache_bucket_functions_only",
		"partition_cache_statement_timeout",
		"partition_cache_row_limit",
		"partition_cache_workers",
		"log_level",
		"log_format",
	} {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}
	return nil
}

// RegisterFlags adds one pflag per Config field to fs, defaulted from
// Default(), so CheckEnvironmentVariables-style precedence (flags beat
// env) holds once the caller parses fs against os.Args.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("cache-backend", d.CacheBackend, "cache handler backend to use")
	fs.String("pg-array-cache-table-prefix", d.PGArrayTablePrefix, "table prefix for the pgarray backend")
	fs.String("pg-bit-cache-table-prefix", d.PGBitTablePrefix, "table prefix for the pgbit backend")
	fs.String("pg-roaring-cache-table-prefix", d.PGRoaringTablePrefix, "table prefix for the pgroaring backend")
	fs.String("geombox-cache-table-prefix", d.GeomBoxTablePrefix, "table prefix for the geombox backend")
	fs.Int("geombox-srid", d.GeomBoxSRID, "SRID geometries are stored under in the geombox backend")
	fs.String("h3grid-cache-table-prefix", d.H3GridTablePrefix, "table prefix for the h3grid backend")
	fs.Int("h3grid-resolution", d.H3GridResolution, "H3 cell resolution used by the h3grid backend")
	fs.String("database-dsn", d.DatabaseDSN, "DSN of the database holding cache tables")
	fs.String("query-queue-provider", d.QueryQueueProvider, "queue realisation (memqueue, pgqueue)")
	fs.String("pg-queue-dsn", d.PGQueueDSN, "DSN of the PostgreSQL queue database")
	fs.String("pg-queue-table-prefix", d.PGQueueTablePrefix, "table prefix for the pgqueue realisation")
	fs.String("redis-addr", d.RedisAddr, "address of the Redis instance backing the rediskv handler")
	fs.String("redis-password", d.RedisPassword, "password for the Redis instance backing the rediskv handler")
	fs.Int("redis-db", d.RedisDB, "Redis logical database index")
	fs.String("redis-key-prefix", d.RedisPrefix, "key prefix used by the rediskv handler")
	fs.Float64("partition-cache-bucket-step", d.BucketStep, "numeric range bucket step used by the canonicaliser")
	fs.Bool("partition-cache-bucket-functions-only", d.BucketFunctionsOnly, "restrict bucketing to recognised distance functions")
	fs.Duration("partition-cache-statement-timeout", d.StatementTimeout, "statement timeout applied to fragment execution")
	fs.Int("partition-cache-row-limit", d.RowLimit, "row-count limit applied to fragment execution")
	fs.Int("partition-cache-workers", d.Workers, "number of population worker-pool tasks")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("log-format", d.LogFormat, "log formatter (json, text)")
}
