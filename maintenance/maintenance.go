// Package maintenance implements the cache-handler-level housekeeping
// operations (§4.8): pruning stale entries, evicting down to a threshold,
// clearing termination sentinels, dropping oversize entries, and removing
// whole partitions. Every operation goes through cachehandler.Store (and
// its optional cachehandler.Maintainable capability); none of it reaches
// past the handler into backend-specific storage.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MPoppinga/partitioncache/cachehandler"
)

// EvictionStrategy selects which entries Evict removes first once a
// partition is over threshold.
type EvictionStrategy string

const (
	// StrategyOldest removes entries with the smallest last_seen first.
	StrategyOldest EvictionStrategy = "oldest"
	// StrategyLargest removes entries with the largest identifier-set
	// cardinality first.
	StrategyLargest EvictionStrategy = "largest"
)

const (
	limitPrefix   = "_LIMIT_"
	timeoutPrefix = "_TIMEOUT_"
)

// entryMeta lists every entry under pk, preferring the backend's own
// cachehandler.Maintainable capability and falling back to Get for
// backends that only expose the base Store contract.
func entryMeta(ctx context.Context, store cachehandler.Store, pk string) ([]cachehandler.EntryMeta, error) {
	if m, ok := store.(cachehandler.Maintainable); ok {
		return m.ListEntryMeta(ctx, pk)
	}

	keys, err := store.GetAllKeys(ctx, pk)
	if err != nil {
		return nil, fmt.Errorf("maintenance: list keys for %q: %w", pk, err)
	}
	out := make([]cachehandler.EntryMeta, 0, len(keys))
	for _, key := range keys {
		ids, ok, err := store.Get(ctx, key, pk)
		if err != nil {
			return nil, fmt.Errorf("maintenance: get %q/%q: %w", pk, key, err)
		}
		if !ok {
			continue
		}
		out = append(out, cachehandler.EntryMeta{Key: key, Cardinality: ids.Len()})
	}
	return out, nil
}

// partitionKeys returns every registered partition key, used when an
// operation is invoked with an empty partition key ("cross-partition").
func partitionKeys(ctx context.Context, store cachehandler.Store) ([]string, error) {
	entries, err := store.GetPartitionKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("maintenance: list partition keys: %w", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.PartitionKey
	}
	return out, nil
}

// deleteEntries deletes every key under pk, returning the number actually
// removed.
func deleteEntries(ctx context.Context, store cachehandler.Store, pk string, keys []string) (int, error) {
	removed := 0
	for _, key := range keys {
		existed, err := store.Delete(ctx, key, pk)
		if err != nil {
			return removed, fmt.Errorf("maintenance: delete %q/%q: %w", pk, key, err)
		}
		if existed {
			removed++
		}
	}
	return removed, nil
}

// Prune deletes metadata rows (and their cache entries) whose last_seen is
// older than daysOld. pk empty means every registered partition.
func Prune(ctx context.Context, store cachehandler.Store, pk string, daysOld int) (int, error) {
	pks := []string{pk}
	if pk == "" {
		var err error
		pks, err = partitionKeys(ctx, store)
		if err != nil {
			return 0, err
		}
	}

	cutoff := time.Now().AddDate(0, 0, -daysOld).UnixNano()
	total := 0
	for _, p := range pks {
		meta, err := entryMeta(ctx, store, p)
		if err != nil {
			return total, err
		}
		var stale []string
		for _, e := range meta {
			if e.LastSeen != 0 && e.LastSeen < cutoff {
				stale = append(stale, e.Key)
			}
		}
		n, err := deleteEntries(ctx, store, p, stale)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Evict removes entries from pk, by strategy, until the partition's entry
// count is at or below threshold. A no-op when already at or below.
func Evict(ctx context.Context, store cachehandler.Store, pk string, strategy EvictionStrategy, threshold int) (int, error) {
	meta, err := entryMeta(ctx, store, pk)
	if err != nil {
		return 0, err
	}
	if len(meta) <= threshold {
		return 0, nil
	}

	switch strategy {
	case StrategyOldest:
		sort.Slice(meta, func(i, j int) bool { return meta[i].LastSeen < meta[j].LastSeen })
	case StrategyLargest:
		sort.Slice(meta, func(i, j int) bool { return meta[i].Cardinality > meta[j].Cardinality })
	default:
		return 0, fmt.Errorf("maintenance: unknown eviction strategy %q", strategy)
	}

	toRemove := meta[:len(meta)-threshold]
	keys := make([]string, len(toRemove))
	for i, e := range toRemove {
		keys[i] = e.Key
	}
	return deleteEntries(ctx, store, pk, keys)
}

// RemoveTerminationEntries deletes cache entries whose fingerprint carries
// the _LIMIT_ or _TIMEOUT_ sentinel prefix, for key-value backends without
// a schema-level status column.
func RemoveTerminationEntries(ctx context.Context, store cachehandler.Store, pk string) (int, error) {
	keys, err := store.GetAllKeys(ctx, pk)
	if err != nil {
		return 0, fmt.Errorf("maintenance: list keys for %q: %w", pk, err)
	}
	var sentinels []string
	for _, k := range keys {
		if strings.HasPrefix(k, limitPrefix) || strings.HasPrefix(k, timeoutPrefix) {
			sentinels = append(sentinels, k)
		}
	}
	return deleteEntries(ctx, store, pk, sentinels)
}

// RemoveLargeEntries deletes entries under pk whose identifier-set
// cardinality exceeds maxCardinality.
func RemoveLargeEntries(ctx context.Context, store cachehandler.Store, pk string, maxCardinality int) (int, error) {
	meta, err := entryMeta(ctx, store, pk)
	if err != nil {
		return 0, err
	}
	var large []string
	for _, e := range meta {
		if e.Cardinality > maxCardinality {
			large = append(large, e.Key)
		}
	}
	return deleteEntries(ctx, store, pk, large)
}

// DeletePartition drops pk's cache entries, metadata, and registry record
// atomically, per the handler's own DeletePartition contract.
func DeletePartition(ctx context.Context, store cachehandler.Store, pk string) (bool, error) {
	existed, err := store.DeletePartition(ctx, pk)
	if err != nil {
		return false, fmt.Errorf("maintenance: delete partition %q: %w", pk, err)
	}
	return existed, nil
}
