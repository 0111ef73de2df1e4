// Package cachehandler defines the cache handler contract every backend
// realisation implements, and the named-backend registry used to open one
// from configuration.
package cachehandler

import (
	"context"

	"github.com/MPoppinga/partitioncache/registry"
)

// QueryStatus is the outcome recorded alongside a fragment's query-metadata
// entry.
type QueryStatus string

const (
	// StatusOK means the fragment executed and its cache entry is usable.
	StatusOK QueryStatus = "ok"
	// StatusTimeout means the fragment hit a statement timeout.
	StatusTimeout QueryStatus = "timeout"
	// StatusFailed means the fragment hit a row-count limit or other
	// resource limit.
	StatusFailed QueryStatus = "failed"
)

// Store is the contract every cache handler backend implements over a
// (key, partition_key) namespace, where key is a fingerprint. Methods never
// panic on expected failure; they return an *Error of the appropriate Kind.
type Store interface {
	// RegisterPartitionKey idempotently registers pk with datatype. opts
	// carries backend-specific parameters (e.g. bitsize for bit-vector
	// backends). Fails with DatatypeConflict on a conflicting re-registration.
	RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, opts map[string]interface{}) error

	// SupportedDatatypes returns the static set of datatypes this backend
	// realisation accepts.
	SupportedDatatypes() []registry.Datatype

	// SetCache overwrites or inserts the identifier set for (key, pk).
	SetCache(ctx context.Context, key string, ids IdentifierSet, pk string) (bool, error)

	// Get returns the identifier set for (key, pk), or ok=false when absent
	// or NULL-sentinel.
	Get(ctx context.Context, key string, pk string) (ids IdentifierSet, ok bool, err error)

	// SetNull marks the entry for (key, pk) unusable.
	SetNull(ctx context.Context, key string, pk string) (bool, error)

	// IsNull reports whether the entry for (key, pk) is the NULL sentinel.
	IsNull(ctx context.Context, key string, pk string) (bool, error)

	// Exists reports presence of the cache entry. When checkQuery is true it
	// additionally requires a metadata row with StatusOK.
	Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error)

	// FilterExistingKeys returns the subset of keys present for pk.
	FilterExistingKeys(ctx context.Context, keys []string, pk string, checkQuery bool) ([]string, error)

	// GetIntersected returns the intersection across every present,
	// non-NULL entry named in keys, plus the number of entries that
	// contributed (the hit count). ok is false when the intersection would
	// be empty or no key was present.
	GetIntersected(ctx context.Context, keys []string, pk string) (ids IdentifierSet, hitCount int, ok bool, err error)

	// Delete removes the entry for (key, pk).
	Delete(ctx context.Context, key string, pk string) (bool, error)

	// DeletePartition drops all entries, metadata, and the registry record
	// for pk.
	DeletePartition(ctx context.Context, pk string) (bool, error)

	// SetQuery stores the fragment text for (key, pk).
	SetQuery(ctx context.Context, key string, text string, pk string) (bool, error)
	// GetQuery returns the fragment text for (key, pk).
	GetQuery(ctx context.Context, key string, pk string) (string, bool, error)
	// GetAllQueries returns every stored fragment text for pk, keyed by
	// fingerprint.
	GetAllQueries(ctx context.Context, pk string) (map[string]string, error)

	// SetQueryStatus records the outcome of executing the fragment for
	// (key, pk).
	SetQueryStatus(ctx context.Context, key string, pk string, status QueryStatus) error
	// GetQueryStatus returns the recorded outcome for (key, pk).
	GetQueryStatus(ctx context.Context, key string, pk string) (QueryStatus, bool, error)

	// GetAllKeys returns every fingerprint with a cache entry under pk.
	GetAllKeys(ctx context.Context, pk string) ([]string, error)

	// GetPartitionKeys returns every registered partition key and its
	// datatype.
	GetPartitionKeys(ctx context.Context) ([]registry.Entry, error)

	// Close releases resources held by the backend (connections, pools).
	Close() error
}

// Lazy is an optional capability a backend may implement when it can
// express intersection as an SQL expression, avoiding materialising
// identifiers through the application.
type Lazy interface {
	// GetIntersectedLazy returns a SELECT expression whose rows are the
	// identifiers in the intersection across keys, safely embeddable as a
	// subquery or temporary-table source, plus the hit count. ok is false
	// when no key is present.
	GetIntersectedLazy(ctx context.Context, keys []string, pk string) (sqlFragment string, hitCount int, ok bool, err error)

	// SetCacheLazy stores the result of executing selectSQL directly in the
	// backend, without materialising identifiers through the application.
	// Implementations MUST reject selectSQL containing DDL or deletion
	// statements with an UnsafeLazyQuery error.
	SetCacheLazy(ctx context.Context, key string, selectSQL string, pk string) (bool, error)
}

// SpatialLazy extends Lazy for the two spatial backend realisations, which
// additionally expose a WKB+SRID filter rather than a bare identifier set.
type SpatialLazy interface {
	Lazy

	// GetSpatialFilter returns the WKB geometry and SRID of the filter
	// covering keys, buffered by bufferDistance. A zero bufferDistance
	// means "use the backend's minimum implicit radius".
	GetSpatialFilter(ctx context.Context, keys []string, pk string, bufferDistance float64) (wkb []byte, srid int, ok bool, err error)

	// GetSpatialFilterLazy is the lazy-SQL analogue of GetSpatialFilter.
	GetSpatialFilterLazy(ctx context.Context, keys []string, pk string, bufferDistance float64) (sqlFragment string, ok bool, err error)
}
