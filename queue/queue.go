// Package queue defines the durable FIFO queue abstraction (§3, §4.6): two
// queues, Q_orig and Q_frag, with at-least-once delivery and atomic pops.
package queue

import (
	"context"

	"github.com/MPoppinga/partitioncache/registry"
)

// OrigEntry is an original-queue record: a user query awaiting fragment
// generation.
type OrigEntry struct {
	Query        string
	PartitionKey string
	// PartitionDatatype is nil when the pusher did not specify it.
	PartitionDatatype *registry.Datatype
}

// FragEntry is a fragment-queue record: a single fragment awaiting
// population.
type FragEntry struct {
	Query             string
	Fingerprint       string
	PartitionKey      string
	PartitionDatatype registry.Datatype
	// CacheBackend is empty when the pusher did not specify it; per the
	// resolved open question (§9), an empty value falls back to the
	// handler-level configured default, never silently to the environment.
	CacheBackend string
}

// Queue is the durable, FIFO, at-least-once queue pair. A popped record is
// removed atomically: no two callers ever receive the same entry.
type Queue interface {
	PushOrig(ctx context.Context, e OrigEntry) error
	// PopOrig removes and returns the oldest OrigEntry, or ok=false when
	// Q_orig is empty.
	PopOrig(ctx context.Context) (e OrigEntry, ok bool, err error)
	CountOrig(ctx context.Context) (int, error)
	ClearOrig(ctx context.Context) error

	PushFrag(ctx context.Context, e FragEntry) error
	// PopFrag removes and returns the oldest FragEntry, or ok=false when
	// Q_frag is empty.
	PopFrag(ctx context.Context) (e FragEntry, ok bool, err error)
	CountFrag(ctx context.Context) (int, error)
	ClearFrag(ctx context.Context) error

	ClearAll(ctx context.Context) error
	Close() error
}
