package cachehandler

import "context"

// EntryMeta describes one cache entry's maintenance-relevant metadata: the
// attributes prune/evict decide on without materialising the identifier set
// itself.
type EntryMeta struct {
	Key         string
	LastSeen    int64 // UnixNano; zero means never recorded
	Cardinality int
}

// Maintainable is an optional capability a backend implements when it can
// report per-entry last-seen time and cardinality without the caller
// fetching every identifier set individually. Backends without it still
// support maintenance through Get/GetAllKeys/Delete; Maintainable only lets
// the maintenance package avoid an O(entries) round trip per operation.
type Maintainable interface {
	// ListEntryMeta returns metadata for every entry under pk.
	ListEntryMeta(ctx context.Context, pk string) ([]EntryMeta, error)
}
