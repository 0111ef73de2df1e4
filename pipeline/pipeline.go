// Package pipeline implements the population pipeline (§4.6): a
// pre-processor that expands original queries into fragments, and a worker
// pool that executes fragments and writes the results into a cache handler.
// Both loops follow the same start/stop handshake: an unbuffered stop channel
// carrying a done channel, a WaitGroup the caller waits on, and an
// exponential, jittered backoff between empty-queue polls.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/logging"
	"github.com/MPoppinga/partitioncache/metrics"
	"github.com/MPoppinga/partitioncache/query"
	"github.com/MPoppinga/partitioncache/query/fragment"
	"github.com/MPoppinga/partitioncache/queue"
	"github.com/MPoppinga/partitioncache/util"
)

const (
	minPollDelay = 50 * time.Millisecond
	maxPollDelay = 5 * time.Second
)

// StoreResolver resolves the cache handler a fragment/original entry should
// be populated into. cacheBackend may be empty, per the resolved open
// question (§9) an empty value falls back to the resolver's own configured
// default rather than the environment.
type StoreResolver func(partitionKey, cacheBackend string) (cachehandler.Store, error)

// Config configures both pipeline stages.
type Config struct {
	Queue    queue.Queue
	Fragment fragment.Options
	Store    StoreResolver

	// Workers is the number of concurrent worker-pool tasks.
	Workers int
	// StatementTimeout bounds each fragment execution.
	StatementTimeout time.Duration
	// RowLimit bounds the result set a fragment execution may return; 0
	// means unbounded.
	RowLimit int
	// ForceRefresh, when true, re-executes a fragment even if its
	// fingerprint is already present in cache.
	ForceRefresh bool

	Logger  logging.Logger
	Metrics metrics.Metrics
}

func (c Config) logger() logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.NewNoOpLogger()
}

// loop is the shared start/stop/backoff shape both stages run, grounded on
// download.Downloader's stop-channel-of-done-channels handshake.
type loop struct {
	stop chan chan struct{}
	wg   sync.WaitGroup
}

func newLoop() loop { return loop{stop: make(chan chan struct{})} }

// stopAndWait signals the running goroutine to exit and blocks until it
// has drained. If the goroutine has already returned because its context
// was cancelled, stopAndWait returns once that exit is observed.
func (l *loop) stopAndWait() {
	exited := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(exited)
	}()
	done := make(chan struct{})
	select {
	case l.stop <- done:
		<-done
	case <-exited:
	}
	l.wg.Wait()
}

// run drives body until stop is signalled or ctx is cancelled, backing off
// between rounds that report no work done.
func (l *loop) run(ctx context.Context, body func(ctx context.Context) (workDone bool, err error), onError func(error)) {
	defer l.wg.Done()

	var idleRounds int
	for {
		select {
		case done := <-l.stop:
			close(done)
			return
		default:
		}

		workDone, err := body(ctx)
		if err != nil && onError != nil {
			onError(err)
		}

		if workDone {
			idleRounds = 0
			continue
		}

		idleRounds++
		delay := util.DefaultBackoff(float64(minPollDelay), float64(maxPollDelay), idleRounds)
		select {
		case done := <-l.stop:
			close(done)
			return
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// PreProcessor pops original queries from Q_orig, generates fragments, and
// pushes them onto Q_frag.
type PreProcessor struct {
	cfg  Config
	loop loop
}

// NewPreProcessor returns a PreProcessor ready to Start.
func NewPreProcessor(cfg Config) *PreProcessor {
	return &PreProcessor{cfg: cfg, loop: newLoop()}
}

// Start begins the pre-processor loop in the background.
func (p *PreProcessor) Start(ctx context.Context) {
	p.loop.wg.Add(1)
	go p.loop.run(ctx, p.processOne, func(err error) {
		p.cfg.logger().Error("pre-processor: %v", err)
	})
}

// Stop signals the pre-processor to drain and exit, blocking until it does.
func (p *PreProcessor) Stop() { p.loop.stopAndWait() }

func (p *PreProcessor) processOne(ctx context.Context) (bool, error) {
	entry, ok, err := p.cfg.Queue.PopOrig(ctx)
	if err != nil || !ok {
		return false, err
	}

	canonical, _, err := query.Canonicalize(entry.Query, p.cfg.Fragment.Query)
	if err != nil {
		p.cfg.logger().Warn("pre-processor: discarding unparseable query %q: %v", entry.Query, err)
		return true, nil
	}

	frags, err := fragment.Generate(canonical, entry.PartitionKey, p.cfg.Fragment)
	if err != nil {
		p.cfg.logger().Warn("pre-processor: discarding query %q: %v", entry.Query, err)
		return true, nil
	}

	datatype := entry.PartitionDatatype
	for _, f := range frags {
		fe := queue.FragEntry{
			Query:        f.SQL,
			Fingerprint:  f.Fingerprint,
			PartitionKey: entry.PartitionKey,
		}
		if datatype != nil {
			fe.PartitionDatatype = *datatype
		}
		if err := p.cfg.Queue.PushFrag(ctx, fe); err != nil {
			return true, err
		}
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Counter("fragments_generated").Add(uint64(len(frags)))
	}
	metrics.FragmentsGenerated.WithLabelValues(entry.PartitionKey).Add(float64(len(frags)))
	return true, nil
}

// WorkerPool pops fragments from Q_frag, executes them against the target
// database, and populates the cache handler with the outcome.
type WorkerPool struct {
	cfg      Config
	executor Executor
	loops    []loop
}

// NewWorkerPool returns a WorkerPool of cfg.Workers tasks (minimum 1), each
// executing fragments through executor.
func NewWorkerPool(cfg Config, executor Executor) *WorkerPool {
	n := cfg.Workers
	if n < 1 {
		n = 1
	}
	return &WorkerPool{cfg: cfg, executor: executor, loops: make([]loop, n)}
}

// Start launches every worker task in the background.
func (w *WorkerPool) Start(ctx context.Context) {
	for i := range w.loops {
		w.loops[i] = newLoop()
		l := &w.loops[i]
		l.wg.Add(1)
		go l.run(ctx, w.processOne, func(err error) {
			w.cfg.logger().Error("worker: %v", err)
		})
	}
}

// Stop signals every worker task to drain and exit, blocking until all do.
func (w *WorkerPool) Stop() {
	for i := range w.loops {
		w.loops[i].stopAndWait()
	}
}

func (w *WorkerPool) processOne(ctx context.Context) (bool, error) {
	entry, ok, err := w.cfg.Queue.PopFrag(ctx)
	if err != nil || !ok {
		return false, err
	}

	store, err := w.cfg.Store(entry.PartitionKey, entry.CacheBackend)
	if err != nil {
		return true, err
	}

	if !w.cfg.ForceRefresh {
		exists, err := store.Exists(ctx, entry.Fingerprint, entry.PartitionKey, true)
		if err != nil {
			return true, err
		}
		if exists {
			return true, nil
		}
	}

	start := time.Now()
	ids, hitLimit, timedOut, err := w.executor.ExecuteFragment(ctx, entry.Query, w.cfg.StatementTimeout, w.cfg.RowLimit)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		metrics.FragmentExecutionSeconds.WithLabelValues(entry.PartitionKey, "error").Observe(elapsed.Seconds())
		w.cfg.logger().Warn("worker: fragment %s failed: %v", entry.Fingerprint, err)
		return true, nil

	case hitLimit:
		metrics.FragmentExecutionSeconds.WithLabelValues(entry.PartitionKey, "row_limit").Observe(elapsed.Seconds())
		if _, err := store.SetNull(ctx, entry.Fingerprint, entry.PartitionKey); err != nil {
			return true, err
		}
		if err := store.SetQueryStatus(ctx, entry.Fingerprint, entry.PartitionKey, cachehandler.StatusFailed); err != nil {
			return true, err
		}
		w.recordOutcome(entry.PartitionKey, "row_limit")
		return true, nil

	case timedOut:
		metrics.FragmentExecutionSeconds.WithLabelValues(entry.PartitionKey, "timeout").Observe(elapsed.Seconds())
		if _, err := store.SetNull(ctx, entry.Fingerprint, entry.PartitionKey); err != nil {
			return true, err
		}
		if err := store.SetQueryStatus(ctx, entry.Fingerprint, entry.PartitionKey, cachehandler.StatusTimeout); err != nil {
			return true, err
		}
		w.recordOutcome(entry.PartitionKey, "timeout")
		return true, nil
	}

	metrics.FragmentExecutionSeconds.WithLabelValues(entry.PartitionKey, "ok").Observe(elapsed.Seconds())
	if _, err := store.SetCache(ctx, entry.Fingerprint, ids, entry.PartitionKey); err != nil {
		return true, err
	}
	if _, err := store.SetQuery(ctx, entry.Fingerprint, entry.Query, entry.PartitionKey); err != nil {
		return true, err
	}
	if err := store.SetQueryStatus(ctx, entry.Fingerprint, entry.PartitionKey, cachehandler.StatusOK); err != nil {
		return true, err
	}
	w.recordOutcome(entry.PartitionKey, "ok")
	return true, nil
}

func (w *WorkerPool) recordOutcome(partitionKey, outcome string) {
	if w.cfg.Metrics == nil {
		return
	}
	w.cfg.Metrics.Counter("fragments_" + outcome + "_" + partitionKey).Incr()
}
