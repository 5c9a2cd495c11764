package storage

import "errors"

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrEmpty is returned by Dequeue when no entry is available to lease.
	ErrEmpty = errors.New("storage: queue empty")
	// ErrUnknownEntry is returned by Ack/Heartbeat for an entry id the
	// queue no longer (or never did) track.
	ErrUnknownEntry = errors.New("storage: unknown queue entry")
)
