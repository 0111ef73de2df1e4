// Package memqueue implements an in-memory queue.Queue, used by tests and by
// single-process deployments that don't need queue durability across
// restarts.
package memqueue

import (
	"context"
	"sync"

	"github.com/MPoppinga/partitioncache/queue"
)

// Queue is an in-memory FIFO realisation of queue.Queue.
type Queue struct {
	mu   sync.Mutex
	orig []queue.OrigEntry
	frag []queue.FragEntry
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// PushOrig implements queue.Queue.
func (q *Queue) PushOrig(_ context.Context, e queue.OrigEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orig = append(q.orig, e)
	return nil
}

// PopOrig implements queue.Queue.
func (q *Queue) PopOrig(_ context.Context) (queue.OrigEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.orig) == 0 {
		return queue.OrigEntry{}, false, nil
	}
	e := q.orig[0]
	q.orig = q.orig[1:]
	return e, true, nil
}

// CountOrig implements queue.Queue.
func (q *Queue) CountOrig(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orig), nil
}

// ClearOrig implements queue.Queue.
func (q *Queue) ClearOrig(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orig = nil
	return nil
}

// PushFrag implements queue.Queue.
func (q *Queue) PushFrag(_ context.Context, e queue.FragEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frag = append(q.frag, e)
	return nil
}

// PopFrag implements queue.Queue.
func (q *Queue) PopFrag(_ context.Context) (queue.FragEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frag) == 0 {
		return queue.FragEntry{}, false, nil
	}
	e := q.frag[0]
	q.frag = q.frag[1:]
	return e, true, nil
}

// CountFrag implements queue.Queue.
func (q *Queue) CountFrag(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frag), nil
}

// ClearFrag implements queue.Queue.
func (q *Queue) ClearFrag(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frag = nil
	return nil
}

// ClearAll implements queue.Queue.
func (q *Queue) ClearAll(ctx context.Context) error {
	if err := q.ClearOrig(ctx); err != nil {
		return err
	}
	return q.ClearFrag(ctx)
}

// Close implements queue.Queue. The in-memory queue holds no external
// resources.
func (q *Queue) Close() error { return nil }
