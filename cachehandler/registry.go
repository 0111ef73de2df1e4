package cachehandler

import (
	"fmt"
	"sync"
)

// Factory constructs a Store from raw, backend-specific configuration. Each
// backend realisation (pgarray, pgbit, pgroaring, spatial, rediskv, memstore)
// registers a Factory under its own name via Register.
type Factory interface {
	// Open validates cfg and returns a ready-to-use Store.
	Open(cfg map[string]interface{}) (Store, error)
}

// FactoryFunc adapts a plain function to the Factory interface.
type FactoryFunc func(cfg map[string]interface{}) (Store, error)

// Open implements Factory.
func (f FactoryFunc) Open(cfg map[string]interface{}) (Store, error) { return f(cfg) }

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
)

// Register makes a backend factory available under name. It panics on a
// duplicate registration, the same package-init-time failure mode used by
// database/sql drivers and similar Go registries.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("cachehandler: backend %q already registered", name))
	}
	factories[name] = f
}

// Backends returns the names of every registered backend.
func Backends() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// Open dispatches to the backend registered under backend and passes cfg to
// its Factory. The CLI supplies backend from config.Config.CacheBackend (the
// --cache-backend flag or PARTITIONCACHE_CACHE_BACKEND).
func Open(backend string, cfg map[string]interface{}) (Store, error) {
	mu.Lock()
	f, ok := factories[backend]
	mu.Unlock()
	if !ok {
		return nil, NewError(BackendMissing, nil, "no cache backend registered under name %q", backend)
	}
	return f.Open(cfg)
}
