// Package pgqueue implements queue.Queue on top of PostgreSQL, the
// durable realisation described in §6: two tables under a configured
// prefix, popped atomically with `FOR UPDATE SKIP LOCKED` so that no two
// workers ever receive the same entry.
package pgqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/partitioncache/queue"
	"github.com/MPoppinga/partitioncache/registry"
)

// Config configures the PostgreSQL queue realisation.
type Config struct {
	DSN         string
	TablePrefix string
}

// Queue is the PostgreSQL-backed realisation of queue.Queue.
type Queue struct {
	pool  *pgxpool.Pool
	origT string
	fragT string
}

// Open connects to cfg.DSN and ensures the queue tables exist.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: connect: %w", err)
	}

	q := &Queue{
		pool:  pool,
		origT: cfg.TablePrefix + "_orig",
		fragT: cfg.TablePrefix + "_frag",
	}

	if err := q.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) ensureSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			query TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			partition_datatype TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q.origT))
	if err != nil {
		return fmt.Errorf("pgqueue: create %s: %w", q.origT, err)
	}

	_, err = q.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			query TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			partition_datatype TEXT NOT NULL,
			cache_backend TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q.fragT))
	if err != nil {
		return fmt.Errorf("pgqueue: create %s: %w", q.fragT, err)
	}
	return nil
}

// PushOrig implements queue.Queue.
func (q *Queue) PushOrig(ctx context.Context, e queue.OrigEntry) error {
	var dt interface{}
	if e.PartitionDatatype != nil {
		dt = e.PartitionDatatype.String()
	}
	_, err := q.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (query, partition_key, partition_datatype) VALUES ($1, $2, $3)`, q.origT),
		e.Query, e.PartitionKey, dt)
	return err
}

// PopOrig implements queue.Queue.
func (q *Queue) PopOrig(ctx context.Context) (queue.OrigEntry, bool, error) {
	row := q.pool.QueryRow(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = (
			SELECT id FROM %s ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING query, partition_key, partition_datatype`, q.origT, q.origT))

	var e queue.OrigEntry
	var dt *string
	if err := row.Scan(&e.Query, &e.PartitionKey, &dt); err != nil {
		if isNoRows(err) {
			return queue.OrigEntry{}, false, nil
		}
		return queue.OrigEntry{}, false, err
	}
	if dt != nil {
		parsed, err := registry.ParseDatatype(*dt)
		if err == nil {
			e.PartitionDatatype = &parsed
		}
	}
	return e, true, nil
}

// CountOrig implements queue.Queue.
func (q *Queue) CountOrig(ctx context.Context) (int, error) {
	return q.count(ctx, q.origT)
}

// ClearOrig implements queue.Queue.
func (q *Queue) ClearOrig(ctx context.Context) error {
	return q.clear(ctx, q.origT)
}

// PushFrag implements queue.Queue.
func (q *Queue) PushFrag(ctx context.Context, e queue.FragEntry) error {
	var backend interface{}
	if e.CacheBackend != "" {
		backend = e.CacheBackend
	}
	_, err := q.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (query, fingerprint, partition_key, partition_datatype, cache_backend) VALUES ($1, $2, $3, $4, $5)`, q.fragT),
		e.Query, e.Fingerprint, e.PartitionKey, e.PartitionDatatype.String(), backend)
	return err
}

// PopFrag implements queue.Queue.
func (q *Queue) PopFrag(ctx context.Context) (queue.FragEntry, bool, error) {
	row := q.pool.QueryRow(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = (
			SELECT id FROM %s ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING query, fingerprint, partition_key, partition_datatype, cache_backend`, q.fragT, q.fragT))

	var e queue.FragEntry
	var dt string
	var backend *string
	if err := row.Scan(&e.Query, &e.Fingerprint, &e.PartitionKey, &dt, &backend); err != nil {
		if isNoRows(err) {
			return queue.FragEntry{}, false, nil
		}
		return queue.FragEntry{}, false, err
	}
	parsed, err := registry.ParseDatatype(dt)
	if err != nil {
		return queue.FragEntry{}, false, err
	}
	e.PartitionDatatype = parsed
	if backend != nil {
		e.CacheBackend = *backend
	}
	return e, true, nil
}

// CountFrag implements queue.Queue.
func (q *Queue) CountFrag(ctx context.Context) (int, error) {
	return q.count(ctx, q.fragT)
}

// ClearFrag implements queue.Queue.
func (q *Queue) ClearFrag(ctx context.Context) error {
	return q.clear(ctx, q.fragT)
}

// ClearAll implements queue.Queue.
func (q *Queue) ClearAll(ctx context.Context) error {
	if err := q.ClearOrig(ctx); err != nil {
		return err
	}
	return q.ClearFrag(ctx)
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.pool.Close()
	return nil
}

func (q *Queue) count(ctx context.Context, table string) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n)
	return n, err
}

func (q *Queue) clear(ctx context.Context, table string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, table))
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
