package cmd

import (
	"context"

	"github.com/MPoppinga/partitioncache/cachehandler"
	_ "github.com/MPoppinga/partitioncache/cachehandler/memstore"
	_ "github.com/MPoppinga/partitioncache/cachehandler/pgarray"
	_ "github.com/MPoppinga/partitioncache/cachehandler/pgbit"
	_ "github.com/MPoppinga/partitioncache/cachehandler/pgroaring"
	_ "github.com/MPoppinga/partitioncache/cachehandler/rediskv"
	_ "github.com/MPoppinga/partitioncache/cachehandler/spatial/geombox"
	_ "github.com/MPoppinga/partitioncache/cachehandler/spatial/h3grid"
	"github.com/MPoppinga/partitioncache/config"
	"github.com/MPoppinga/partitioncache/queue"
	"github.com/MPoppinga/partitioncache/queue/memqueue"
	"github.com/MPoppinga/partitioncache/queue/pgqueue"
)

// backendList returns every cache backend linked into this binary, for
// version and help output. Each backend's blank import above is what makes
// it appear here: its init() calls cachehandler.Register.
func backendList() string {
	names := cachehandler.Backends()
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// backendConfig builds the cfg map cachehandler.Open expects for
// cfg.CacheBackend, translating the resolved Config's flat fields into the
// backend-specific keys each factory reads.
func backendConfig(cfg config.Config) map[string]interface{} {
	switch cfg.CacheBackend {
	case "pgarray":
		return map[string]interface{}{"dsn": cfg.DatabaseDSN, "table_prefix": cfg.PGArrayTablePrefix}
	case "pgbit":
		return map[string]interface{}{"dsn": cfg.DatabaseDSN, "table_prefix": cfg.PGBitTablePrefix}
	case "pgroaring":
		return map[string]interface{}{"dsn": cfg.DatabaseDSN, "table_prefix": cfg.PGRoaringTablePrefix}
	case "geombox":
		return map[string]interface{}{"dsn": cfg.DatabaseDSN, "table_prefix": cfg.GeomBoxTablePrefix, "srid": cfg.GeomBoxSRID}
	case "h3grid":
		return map[string]interface{}{"dsn": cfg.DatabaseDSN, "table_prefix": cfg.H3GridTablePrefix, "resolution": cfg.H3GridResolution}
	case "rediskv":
		return map[string]interface{}{"addr": cfg.RedisAddr, "password": cfg.RedisPassword, "db": cfg.RedisDB, "prefix": cfg.RedisPrefix}
	default:
		return map[string]interface{}{}
	}
}

// openStore opens the cache backend named by cfg.CacheBackend.
func openStore(cfg config.Config) (cachehandler.Store, error) {
	return cachehandler.Open(cfg.CacheBackend, backendConfig(cfg))
}

// openQueue opens the queue realisation named by cfg.QueryQueueProvider.
func openQueue(ctx context.Context, cfg config.Config) (queue.Queue, error) {
	switch cfg.QueryQueueProvider {
	case "pgqueue":
		return pgqueue.Open(ctx, pgqueue.Config{DSN: cfg.PGQueueDSN, TablePrefix: cfg.PGQueueTablePrefix})
	default:
		return memqueue.New(), nil
	}
}
