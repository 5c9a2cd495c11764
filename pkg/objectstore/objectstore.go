// Package objectstore is a thin, typed layer over the Storage Backend:
// every entity knows its own key prefix and UUID, and CompareAndSwap
// gives callers the single-key optimistic-concurrency primitive the
// rest of the system builds its transactions on.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

// keyLocks serializes CompareAndSwap on a given entity id within this
// process. This engine runs as a single process with no cluster
// topology to replicate against, so a per-key mutex gives the same
// linearizable ordering of transitions on one entity that a
// distributed lock manager would, without the cluster.
var keyLocks sync.Map // map[string]*sync.Mutex

func lockFor(id types.ExternalID) *sync.Mutex {
	actual, _ := keyLocks.LoadOrStore(id.String(), &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Storable is any entity that can be addressed in the object store by
// a prefix + UUID pair.
type Storable interface {
	KeyPrefix() string
	ID() types.ExternalID
}

// Versioned is a Storable that also carries an optimistic-concurrency
// version number, required by CompareAndSwap.
type Versioned interface {
	Storable
	CurrentVersion() int64
	SetVersion(int64)
}

func keyFor(id types.ExternalID) []byte {
	return []byte(id.String())
}

// Save serializes entity and writes it under its own external id.
func Save[T Storable](ctx context.Context, store storage.Store, entity T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", entity, err)
	}
	return store.Put(ctx, keyFor(entity.ID()), data)
}

// Load fetches and deserializes the entity addressed by id. The zero
// value of T is returned alongside an error if the load fails.
func Load[T any](ctx context.Context, store storage.Store, id types.ExternalID) (T, error) {
	var out T
	data, err := store.Get(ctx, keyFor(id))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal %T: %w", out, err)
	}
	return out, nil
}

// ListByPrefix loads every entity of a given key prefix.
func ListByPrefix[T any](ctx context.Context, store storage.Store, prefix types.Prefix) ([]T, error) {
	raw, err := store.GetByPrefix(ctx, []byte(string(prefix)+"-"))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// CompareAndSwap loads the current record at id, calls mutate, and
// writes the result back with its version bumped. The load-mutate-save
// cycle is serialized per entity id (see keyLocks) so concurrent
// callers observe a linearizable sequence of versions rather than
// racing on the underlying Get/Put pair. mutate's error (typically an
// *apierr.Error) is returned unchanged and nothing is written.
func CompareAndSwap[T Versioned](
	ctx context.Context,
	store storage.Store,
	id types.ExternalID,
	mutate func(current T) (T, error),
) (T, error) {
	var zero T
	mu := lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := Load[T](ctx, store, id)
	if err != nil {
		return zero, err
	}
	next, err := mutate(current)
	if err != nil {
		return zero, err
	}
	next.SetVersion(current.CurrentVersion() + 1)
	if err := Save(ctx, store, next); err != nil {
		return zero, err
	}
	return next, nil
}

// NewUUID is a small convenience re-export so callers don't need to
// import google/uuid directly just to mint fresh entity ids.
func NewUUID() uuid.UUID { return uuid.New() }
