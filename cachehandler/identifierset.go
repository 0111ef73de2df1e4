package cachehandler

import (
	"fmt"
	"sort"
	"time"

	"github.com/MPoppinga/partitioncache/registry"
)

// IdentifierSet is the tagged-variant identifier domain shared by every
// backend. Exactly one of the typed slices is populated, matching the
// partition key's registered registry.Datatype; backends coerce their
// native representation (SQL array, bit positions, roaring bitmap,
// geometry) to and from this type on the handler boundary.
type IdentifierSet struct {
	Datatype   registry.Datatype
	Ints       []int64
	Floats     []float64
	Texts      []string
	Timestamps []time.Time
	// Geometries holds WKB-encoded geometries for the spatial backends.
	Geometries [][]byte
}

// Len returns the number of identifiers in the set, regardless of datatype.
func (s IdentifierSet) Len() int {
	switch s.Datatype {
	case registry.DatatypeInteger:
		return len(s.Ints)
	case registry.DatatypeFloat:
		return len(s.Floats)
	case registry.DatatypeText:
		return len(s.Texts)
	case registry.DatatypeTimestamp:
		return len(s.Timestamps)
	case registry.DatatypeGeometry:
		return len(s.Geometries)
	default:
		return 0
	}
}

// IntersectInt64 intersects the integer-typed identifier sets in sets,
// returning nil if the result would be empty or if sets is empty. It is the
// reference implementation used by the memstore backend and by any backend
// that materialises identifiers through the application rather than in SQL.
func IntersectInt64(sets ...[]int64) []int64 {
	if len(sets) == 0 {
		return nil
	}
	counts := map[int64]int{}
	for _, s := range sets {
		seen := map[int64]bool{}
		for _, v := range s {
			if seen[v] {
				continue
			}
			seen[v] = true
			counts[v]++
		}
	}
	var out []int64
	for v, c := range counts {
		if c == len(sets) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IntersectText is the string-typed analogue of IntersectInt64.
func IntersectText(sets ...[]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, s := range sets {
		seen := map[string]bool{}
		for _, v := range s {
			if seen[v] {
				continue
			}
			seen[v] = true
			counts[v]++
		}
	}
	var out []string
	for v, c := range counts {
		if c == len(sets) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func (s IdentifierSet) String() string {
	return fmt.Sprintf("IdentifierSet{datatype: %s, len: %d}", s.Datatype, s.Len())
}
