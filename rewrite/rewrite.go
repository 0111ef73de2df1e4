// Package rewrite implements the apply-cache rewriter: splicing a cache
// handler's cached identifiers (or, for spatial backends, a spatial filter)
// back into the user's original query.
package rewrite

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/query"
	"github.com/MPoppinga/partitioncache/query/fragment"
	"github.com/MPoppinga/partitioncache/registry"
)

// Method is the splice method used to embed cached identifiers into the
// rewritten query.
type Method int

const (
	// InSubquery embeds the identifiers as a literal IN (...) list.
	InSubquery Method = iota
	// TmpTableIn embeds the identifiers in a WITH-clause table named
	// partitioncache_tmp_<pk> and filters with
	// `<pk> IN (SELECT <pk> FROM partitioncache_tmp_<pk>)`.
	TmpTableIn
	// TmpTableJoin embeds the identifiers in the same WITH-clause table and
	// filters with an EXISTS semi-join correlated on t1.<pk>, whatever
	// aliases the original query uses.
	TmpTableJoin
)

// Options mirrors the variant-generation options accepted by the fragment
// generator (§4.2), since the rewriter must run the identical generator the
// population pipeline used for fingerprints to match.
type Options struct {
	Fragment fragment.Options
	// GeometryColumn, when set, selects the spatial splice path for a store
	// implementing cachehandler.SpatialLazy. A zero BufferDistance is then
	// derived from the query's ST_DWithin radii (deriveBufferDistance).
	GeometryColumn string
	BufferDistance float64
}

// Stats reports what the rewrite actually did.
type Stats struct {
	GeneratedVariants int
	CacheHits         int
	Enhanced          bool
	P0Rewritten       bool
}

const starJoinPlaceholder = "p1"

// Apply runs the rewriter against sql for partitionKey using store and
// method, returning the rewritten SQL and stats. It never errors on a cache
// miss: a miss returns the original query with Enhanced=false.
func Apply(ctx context.Context, store cachehandler.Store, sql, partitionKey string, method Method, opts Options) (string, Stats, error) {
	canonical, _, err := query.Canonicalize(sql, opts.Fragment.Query)
	if err != nil {
		return sql, Stats{}, err
	}

	frags, err := fragment.Generate(canonical, partitionKey, opts.Fragment)
	if err != nil {
		return sql, Stats{}, err
	}

	keys := make([]string, len(frags))
	for i, f := range frags {
		keys[i] = f.Fingerprint
	}

	present, err := store.FilterExistingKeys(ctx, keys, partitionKey, true)
	if err != nil {
		return sql, Stats{}, err
	}

	stats := Stats{GeneratedVariants: len(frags), CacheHits: len(present)}

	if len(present) == 0 {
		return sql, stats, nil
	}

	rewritten, err := spliceCache(ctx, store, sql, partitionKey, present, method, opts)
	if err != nil {
		return sql, stats, err
	}

	stats.Enhanced = true
	stats.P0Rewritten = usesStarJoinConvention(sql)
	return rewritten, stats, nil
}

func spliceCache(ctx context.Context, store cachehandler.Store, sql, pk string, keys []string, method Method, opts Options) (string, error) {
	if opts.GeometryColumn != "" {
		if spatial, ok := store.(cachehandler.SpatialLazy); ok {
			buffer := opts.BufferDistance
			if buffer == 0 {
				buffer = deriveBufferDistance(sql)
			}
			wkb, srid, ok2, err := spatial.GetSpatialFilter(ctx, keys, pk, buffer)
			if err != nil {
				return "", err
			}
			if ok2 {
				return spliceSpatialFilter(sql, opts.GeometryColumn, wkb, srid), nil
			}
		}
	}

	if lazy, ok := store.(cachehandler.Lazy); ok {
		sqlFragment, _, ok2, err := lazy.GetIntersectedLazy(ctx, keys, pk)
		if err != nil {
			return "", err
		}
		if ok2 {
			return spliceLazy(sql, pk, sqlFragment, method), nil
		}
	}

	ids, _, ok, err := store.GetIntersected(ctx, keys, pk)
	if err != nil {
		return "", err
	}
	if !ok {
		return sql, nil
	}
	return spliceEager(sql, pk, ids, method), nil
}

func spliceEager(sql, pk string, ids cachehandler.IdentifierSet, method Method) string {
	values := identifierLiterals(ids)
	if len(values) == 0 {
		return sql
	}

	switch method {
	case TmpTableIn, TmpTableJoin:
		tmpTable := fmt.Sprintf("partitioncache_tmp_%s", pk)
		values := strings.Join(values, ", ")
		create := fmt.Sprintf("WITH %s AS (SELECT unnest(ARRAY[%s]) AS %s) ", tmpTable, values, pk)
		if method == TmpTableJoin {
			return create + injectWhere(sql, fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s.%s = %s.%s)", tmpTable, tmpTable, pk, "t1", pk))
		}
		return create + injectWhere(sql, fmt.Sprintf("%s IN (SELECT %s FROM %s)", pk, pk, tmpTable))
	default:
		return injectWhere(sql, fmt.Sprintf("%s IN (%s)", pk, strings.Join(values, ", ")))
	}
}

func spliceLazy(sql, pk, sqlFragment string, method Method) string {
	return injectWhere(sql, fmt.Sprintf("%s IN (%s)", pk, sqlFragment))
}

func spliceSpatialFilter(sql, geometryColumn string, wkb []byte, srid int) string {
	predicate := fmt.Sprintf("ST_DWithin(%s, ST_GeomFromWKB(%s, %d), 0)", geometryColumn, wkbLiteral(wkb), srid)
	return injectWhere(sql, predicate)
}

func wkbLiteral(wkb []byte) string {
	var b strings.Builder
	b.WriteString("'\\x")
	for _, by := range wkb {
		fmt.Fprintf(&b, "%02x", by)
	}
	b.WriteString("'")
	return b.String()
}

func identifierLiterals(ids cachehandler.IdentifierSet) []string {
	switch ids.Datatype {
	case registry.DatatypeInteger:
		out := make([]string, len(ids.Ints))
		for i, v := range ids.Ints {
			out[i] = strconv.FormatInt(v, 10)
		}
		return out
	case registry.DatatypeFloat:
		out := make([]string, len(ids.Floats))
		for i, v := range ids.Floats {
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		return out
	case registry.DatatypeText:
		out := make([]string, len(ids.Texts))
		for i, v := range ids.Texts {
			out[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		return out
	case registry.DatatypeTimestamp:
		out := make([]string, len(ids.Timestamps))
		for i, v := range ids.Timestamps {
			out[i] = "'" + v.UTC().Format("2006-01-02 15:04:05") + "'"
		}
		return out
	default:
		return nil
	}
}

// injectWhere ANDs predicate into sql's outer WHERE clause, adding one if
// absent. This is a textual splice rather than an AST rewrite: the rewriter
// must preserve every clause of the user's original query verbatim, and
// re-serialising through the parser risks reformatting text the caller
// relies on downstream.
func injectWhere(sql, predicate string) string {
	upper := strings.ToUpper(sql)
	if idx := strings.Index(upper, " WHERE "); idx >= 0 {
		return sql[:idx+7] + predicate + " AND (" + sql[idx+7:] + ")"
	}
	return strings.TrimRight(sql, "; \n\t") + " WHERE " + predicate
}

// usesStarJoinConvention is a best-effort detection of whether the input
// query used the star-join naming convention; the full undo (removing the
// synthesised p1 join that the fragment generator re-attaches) happens at
// the fragment layer, not on the user's original text, since the rewriter
// only ever splices a predicate into the caller's own query rather than
// rebuilding it from the canonical form.
func usesStarJoinConvention(sql string) bool {
	return strings.Contains(sql, fragment.DefaultStarJoinPrefix)
}
