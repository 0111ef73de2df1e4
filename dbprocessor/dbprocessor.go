// Package dbprocessor implements the in-database processor control plane
// (§4.7): the control record a co-located queue+cache deployment uses to
// drive population from inside the engine, plus the external API over it
// (setup, enable/disable, reconfigure, status, logs, run-once). Scheduling
// itself (the "tick") lives outside Go, in the engine's own cron facility;
// this package owns the configuration and log tables that facility reads
// and writes, and RunOnce performs a single bounded tick on demand.
package dbprocessor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/pipeline"
	"github.com/MPoppinga/partitioncache/queue"
)

// dbPool is the subset of *pgxpool.Pool's contract Processor needs, narrow
// enough that a pgxmock pool satisfies it too for unit tests that never
// touch a live database.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

// JobConfig is the control record (§4.7): enablement, scheduling period,
// table prefix, target partition list, and max parallel jobs.
type JobConfig struct {
	Enabled         bool
	Frequency       time.Duration
	TablePrefix     string
	Partitions      []string
	MaxParallelJobs int
}

// Status reports the processor's current configuration alongside a short
// window of recent outcomes.
type Status struct {
	Enabled         bool
	MaxParallelJobs int
	Frequency       time.Duration
	Partitions      []string
	RecentSuccesses int
	RecentFailures  int
}

// LogEntry is one row of the processor's outcome log.
type LogEntry struct {
	JobID         int64
	Fingerprint   string
	PartitionKey  string
	Status        cachehandler.QueryStatus
	ErrorMessage  string
	RowsAffected  int
	ExecutionTime time.Duration
	CreatedAt     time.Time
}

// Processor is the control-plane client for one table-prefix's processor.
type Processor struct {
	pool    dbPool
	prefix  string
	configT string
	logT    string
}

// Open connects to dsn and ensures the control-plane tables for prefix
// exist.
func Open(ctx context.Context, dsn, prefix string) (*Processor, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbprocessor: connect: %w", err)
	}
	p, err := newWithPool(ctx, pool, prefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// newWithPool builds a Processor over an already-open pool, letting tests
// substitute a pgxmock pool for *pgxpool.Pool.
func newWithPool(ctx context.Context, pool dbPool, prefix string) (*Processor, error) {
	p := &Processor{
		pool:    pool,
		prefix:  prefix,
		configT: prefix + "_processor_config",
		logT:    prefix + "_processor_log",
	}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Processor) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			enabled BOOLEAN NOT NULL DEFAULT false,
			frequency_seconds INTEGER NOT NULL DEFAULT 1,
			table_prefix TEXT NOT NULL,
			partitions TEXT NOT NULL DEFAULT '',
			max_parallel_jobs INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.configT))
	if err != nil {
		return fmt.Errorf("dbprocessor: create %s: %w", p.configT, err)
	}

	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job_id BIGSERIAL PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			rows_affected INTEGER,
			execution_time_ms INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.logT))
	if err != nil {
		return fmt.Errorf("dbprocessor: create %s: %w", p.logT, err)
	}

	// A trigger keeps updated_at current on every config change, so the
	// engine's own cron trigger (outside Go) can detect a reconfiguration
	// by watching this column rather than polling every field.
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s_touch() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at := now();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, p.configT))
	if err != nil {
		return fmt.Errorf("dbprocessor: create touch function: %w", err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		DROP TRIGGER IF EXISTS %[1]s_touch_trigger ON %[1]s;
		CREATE TRIGGER %[1]s_touch_trigger
			BEFORE UPDATE ON %[1]s
			FOR EACH ROW EXECUTE FUNCTION %[1]s_touch()`, p.configT))
	if err != nil {
		return fmt.Errorf("dbprocessor: create touch trigger: %w", err)
	}
	return nil
}

// Setup installs or replaces the control record.
func (p *Processor) Setup(ctx context.Context, cfg JobConfig) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, enabled, frequency_seconds, table_prefix, partitions, max_parallel_jobs)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			frequency_seconds = EXCLUDED.frequency_seconds,
			table_prefix = EXCLUDED.table_prefix,
			partitions = EXCLUDED.partitions,
			max_parallel_jobs = EXCLUDED.max_parallel_jobs`, p.configT),
		cfg.Enabled, int(cfg.Frequency.Seconds()), cfg.TablePrefix, strings.Join(cfg.Partitions, ","), cfg.MaxParallelJobs)
	if err != nil {
		return fmt.Errorf("dbprocessor: setup: %w", err)
	}
	return nil
}

// Enable turns scheduling on. Per §4.7 this is immediate: the next tick
// (driven by the engine, outside this call) picks it up.
func (p *Processor) Enable(ctx context.Context) error { return p.setEnabled(ctx, true) }

// Disable turns scheduling off immediately; executions already running
// when Disable is called run to completion.
func (p *Processor) Disable(ctx context.Context) error { return p.setEnabled(ctx, false) }

func (p *Processor) setEnabled(ctx context.Context, enabled bool) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET enabled = $1 WHERE id = 1`, p.configT), enabled)
	if err != nil {
		return fmt.Errorf("dbprocessor: set enabled=%v: %w", enabled, err)
	}
	return nil
}

// Reconfigure updates the scheduling period, partition list, and
// parallelism of an existing control record.
func (p *Processor) Reconfigure(ctx context.Context, cfg JobConfig) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET
			frequency_seconds = $1,
			partitions = $2,
			max_parallel_jobs = $3
		WHERE id = 1`, p.configT),
		int(cfg.Frequency.Seconds()), strings.Join(cfg.Partitions, ","), cfg.MaxParallelJobs)
	if err != nil {
		return fmt.Errorf("dbprocessor: reconfigure: %w", err)
	}
	return nil
}

// Status reports the current control record plus a five-minute outcome
// window.
func (p *Processor) Status(ctx context.Context) (Status, error) {
	var enabled bool
	var frequencySeconds, maxParallel int
	var partitionsCSV string
	row := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT enabled, frequency_seconds, partitions, max_parallel_jobs FROM %s WHERE id = 1`, p.configT))
	if err := row.Scan(&enabled, &frequencySeconds, &partitionsCSV, &maxParallel); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Status{}, fmt.Errorf("dbprocessor: not set up: %w", err)
		}
		return Status{}, fmt.Errorf("dbprocessor: status: %w", err)
	}

	var successes, failures int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT
			count(*) FILTER (WHERE status = 'ok'),
			count(*) FILTER (WHERE status IN ('failed', 'timeout'))
		 FROM %s WHERE created_at > now() - interval '5 minutes'`, p.logT),
	).Scan(&successes, &failures)
	if err != nil {
		return Status{}, fmt.Errorf("dbprocessor: status log aggregate: %w", err)
	}

	st := Status{
		Enabled:         enabled,
		MaxParallelJobs: maxParallel,
		Frequency:       time.Duration(frequencySeconds) * time.Second,
		RecentSuccesses: successes,
		RecentFailures:  failures,
	}
	if partitionsCSV != "" {
		st.Partitions = strings.Split(partitionsCSV, ",")
	}
	return st, nil
}

// Logs returns the most recent limit log entries, optionally filtered by
// status.
func (p *Processor) Logs(ctx context.Context, limit int, status cachehandler.QueryStatus) ([]LogEntry, error) {
	query := fmt.Sprintf(`
		SELECT job_id, fingerprint, partition_key, status, coalesce(error_message, ''),
		       coalesce(rows_affected, 0), coalesce(execution_time_ms, 0), created_at
		FROM %s`, p.logT)
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT " + fmt.Sprint(limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dbprocessor: logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var statusStr string
		var execMS int
		if err := rows.Scan(&e.JobID, &e.Fingerprint, &e.PartitionKey, &statusStr, &e.ErrorMessage, &e.RowsAffected, &execMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dbprocessor: scan log row: %w", err)
		}
		e.Status = cachehandler.QueryStatus(statusStr)
		e.ExecutionTime = time.Duration(execMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunOnce performs a single bounded tick: pops up to the configured
// max-parallel-jobs worth of fragments, executes each concurrently, writes
// the cache outcome through store, and appends one log row per fragment.
// It returns the number of fragments processed. A disabled processor is a
// no-op, matching the external "run once" surface bypassing the schedule
// but not the enablement flag.
func (p *Processor) RunOnce(ctx context.Context, q queue.Queue, store cachehandler.Store, executor pipeline.Executor, timeout time.Duration, rowLimit int) (int, error) {
	cfg, err := p.Status(ctx)
	if err != nil {
		return 0, err
	}
	if !cfg.Enabled {
		return 0, nil
	}

	max := cfg.MaxParallelJobs
	if max < 1 {
		max = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, max)
	processed := 0
	for i := 0; i < max; i++ {
		entry, ok, err := q.PopFrag(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		if len(cfg.Partitions) > 0 && !contains(cfg.Partitions, entry.PartitionKey) {
			if pushErr := q.PushFrag(ctx, entry); pushErr != nil {
				return processed, pushErr
			}
			continue
		}

		processed++
		sem <- struct{}{}
		wg.Add(1)
		go func(e queue.FragEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			p.executeAndLog(ctx, store, executor, e, timeout, rowLimit)
		}(entry)
	}
	wg.Wait()
	return processed, nil
}

func (p *Processor) executeAndLog(ctx context.Context, store cachehandler.Store, executor pipeline.Executor, entry queue.FragEntry, timeout time.Duration, rowLimit int) {
	start := time.Now()
	ids, hitLimit, timedOut, err := executor.ExecuteFragment(ctx, entry.Query, timeout, rowLimit)
	elapsed := time.Since(start)

	log := LogEntry{
		Fingerprint:   entry.Fingerprint,
		PartitionKey:  entry.PartitionKey,
		ExecutionTime: elapsed,
	}

	var storeErr error
	switch {
	case err != nil:
		log.Status = cachehandler.StatusFailed
		log.ErrorMessage = err.Error()
	case hitLimit:
		_, storeErr = store.SetNull(ctx, entry.Fingerprint, entry.PartitionKey)
		if storeErr == nil {
			storeErr = store.SetQueryStatus(ctx, entry.Fingerprint, entry.PartitionKey, cachehandler.StatusFailed)
		}
		log.Status = cachehandler.StatusFailed
	case timedOut:
		_, storeErr = store.SetNull(ctx, entry.Fingerprint, entry.PartitionKey)
		if storeErr == nil {
			storeErr = store.SetQueryStatus(ctx, entry.Fingerprint, entry.PartitionKey, cachehandler.StatusTimeout)
		}
		log.Status = cachehandler.StatusTimeout
	default:
		_, storeErr = store.SetCache(ctx, entry.Fingerprint, ids, entry.PartitionKey)
		if storeErr == nil {
			_, storeErr = store.SetQuery(ctx, entry.Fingerprint, entry.Query, entry.PartitionKey)
		}
		if storeErr == nil {
			storeErr = store.SetQueryStatus(ctx, entry.Fingerprint, entry.PartitionKey, cachehandler.StatusOK)
		}
		log.Status = cachehandler.StatusOK
		log.RowsAffected = ids.Len()
	}
	if storeErr != nil {
		log.ErrorMessage = storeErr.Error()
	}

	_ = p.appendLog(ctx, log)
}

func (p *Processor) appendLog(ctx context.Context, e LogEntry) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (fingerprint, partition_key, status, error_message, rows_affected, execution_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`, p.logT),
		e.Fingerprint, e.PartitionKey, string(e.Status), e.ErrorMessage, e.RowsAffected, e.ExecutionTime.Milliseconds())
	return err
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// Close releases the underlying connection pool.
func (p *Processor) Close() error {
	p.pool.Close()
	return nil
}
