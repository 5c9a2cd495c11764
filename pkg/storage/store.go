// Package storage implements the Storage Backend (SB): a sealed
// key/value store plus two named, lease-based FIFO queues, all backed
// by a single embedded BoltDB (bbolt) file.
package storage

import (
	"context"
	"time"
)

// QueueEntry is one leased item popped off a queue by Dequeue.
type QueueEntry struct {
	EntryID  string
	Key      []byte
	Attempts int
	LeaseID  string
}

// Store is the Storage Backend's contract: an AEAD-sealed key/value
// store, and named FIFO queues with at-least-once, lease-based
// delivery. Every mutating KV method is a single BoltDB transaction;
// callers layer compare-and-swap semantics on top via pkg/objectstore.
type Store interface {
	// Get returns the sealed value's plaintext, or ErrNotFound if the
	// key does not exist. A MAC failure on the sealed value returns
	// apierr.Integrity, never a partially-decrypted result.
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// GetByPrefix scans the KV bucket and returns every entry whose key
	// starts with prefix, keyed by the string form of the full key.
	GetByPrefix(ctx context.Context, prefix []byte) (map[string][]byte, error)

	// Enqueue appends key to the named queue's FIFO tail.
	Enqueue(ctx context.Context, queue string, key []byte) error
	// Dequeue pops the oldest un-leased entry from the named queue,
	// stamps it with a fresh lease of the given duration, and
	// increments its attempt counter. It returns ErrEmpty if nothing
	// is available to lease right now.
	Dequeue(ctx context.Context, queue string, lease time.Duration) (*QueueEntry, error)
	// Ack removes entryID from the named queue permanently.
	Ack(ctx context.Context, queue string, entryID string) error
	// Heartbeat extends entryID's current lease by the given duration.
	Heartbeat(ctx context.Context, queue string, entryID string, extend time.Duration) error
	// RequeueExpired releases every lease in the named queue whose
	// deadline has passed, making those entries eligible for Dequeue
	// again, and returns how many were released.
	RequeueExpired(ctx context.Context, queue string) (int, error)

	Close() error
}
