// Package sqlexecutor implements pipeline.Executor (§4.6) against the
// source database a fragment's SQL was generated from, which need not be
// the same engine holding the cache tables. It runs the fragment under a
// statement timeout and a row-count limit, then classifies the single
// returned identifier column into a cachehandler.IdentifierSet by its
// scanned Go type rather than by a separately-tracked partition-key
// datatype, since ExecuteFragment's signature carries no partition key.
package sqlexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

// dbPool is the subset of *pgxpool.Pool Executor needs, narrowed so
// pgxmock can stand in for it in tests, matching dbprocessor's dbPool seam.
type dbPool interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Close()
}

// Executor runs fragment SQL against a pgx connection pool.
type Executor struct {
	pool dbPool
}

// Open connects to dsn and returns an Executor ready to run fragments.
func Open(ctx context.Context, dsn string) (*Executor, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlexecutor: connect: %w", err)
	}
	return &Executor{pool: pool}, nil
}

// New wraps an already-open pool, letting tests substitute a pgxmock pool.
func New(pool dbPool) *Executor { return &Executor{pool: pool} }

// ExecuteFragment implements pipeline.Executor.
func (e *Executor) ExecuteFragment(ctx context.Context, sql string, timeout time.Duration, rowLimit int) (cachehandler.IdentifierSet, bool, bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return cachehandler.IdentifierSet{}, false, true, nil
		}
		return cachehandler.IdentifierSet{}, false, false, fmt.Errorf("sqlexecutor: query: %w", err)
	}
	defer rows.Close()

	ids := cachehandler.IdentifierSet{Datatype: -1}
	for rows.Next() {
		if rowLimit > 0 && ids.Len() >= rowLimit {
			return cachehandler.IdentifierSet{}, true, false, nil
		}
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return cachehandler.IdentifierSet{}, false, false, fmt.Errorf("sqlexecutor: scan: %w", err)
		}
		if err := appendValue(&ids, v); err != nil {
			return cachehandler.IdentifierSet{}, false, false, err
		}
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return cachehandler.IdentifierSet{}, false, true, nil
		}
		return cachehandler.IdentifierSet{}, false, false, fmt.Errorf("sqlexecutor: rows: %w", err)
	}

	if ids.Datatype == -1 {
		ids.Datatype = registry.DatatypeInteger
	}
	return ids, false, false, nil
}

// appendValue classifies v by its scanned Go type and appends it to the
// matching slice of ids, fixing ids.Datatype on the first value seen.
func appendValue(ids *cachehandler.IdentifierSet, v interface{}) error {
	switch val := v.(type) {
	case nil:
		return nil
	case int64:
		ids.Datatype = registry.DatatypeInteger
		ids.Ints = append(ids.Ints, val)
	case int32:
		ids.Datatype = registry.DatatypeInteger
		ids.Ints = append(ids.Ints, int64(val))
	case float64:
		ids.Datatype = registry.DatatypeFloat
		ids.Floats = append(ids.Floats, val)
	case float32:
		ids.Datatype = registry.DatatypeFloat
		ids.Floats = append(ids.Floats, float64(val))
	case string:
		ids.Datatype = registry.DatatypeText
		ids.Texts = append(ids.Texts, val)
	case time.Time:
		ids.Datatype = registry.DatatypeTimestamp
		ids.Timestamps = append(ids.Timestamps, val)
	case []byte:
		ids.Datatype = registry.DatatypeGeometry
		ids.Geometries = append(ids.Geometries, val)
	default:
		return fmt.Errorf("sqlexecutor: unsupported identifier column type %T", v)
	}
	return nil
}

// Close releases the underlying connection pool.
func (e *Executor) Close() error {
	e.pool.Close()
	return nil
}
