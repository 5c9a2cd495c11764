package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/security"
)

var bucketKV = []byte("kv")

func pendingBucketName(queue string) []byte { return []byte("queue-pending-" + queue) }
func leaseBucketName(queue string) []byte   { return []byte("queue-lease-" + queue) }

// pendingRecord is the value stored for each queued entry.
type pendingRecord struct {
	Key      []byte `json:"key"`
	Attempts int    `json:"attempts"`
}

// leaseRecord tracks who currently owns a dequeued entry and until when.
type leaseRecord struct {
	LeaseID  string    `json:"lease_id"`
	Deadline time.Time `json:"deadline"`
}

// BoltStore implements Store on top of a single bbolt database file,
// sealing every KV value with an AEAD Sealer before it touches disk.
type BoltStore struct {
	db     *bolt.DB
	sealer *security.Sealer
}

// NewBoltStore opens (creating if necessary) <dataDir>/taskcore.db and
// ensures the fixed KV bucket exists. Queue buckets are created lazily
// the first time a queue name is used.
func NewBoltStore(dataDir string, sealer *security.Sealer) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskcore.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, sealer: sealer}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get(key)
		if v == nil {
			return ErrNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plaintext, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, apierr.Integrity(err)
	}
	return plaintext, nil
}

func (s *BoltStore) Put(_ context.Context, key, value []byte) error {
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal value: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put(key, sealed)
	})
}

func (s *BoltStore) Delete(_ context.Context, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete(key)
	})
}

func (s *BoltStore) GetByPrefix(_ context.Context, prefix []byte) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			plaintext, err := s.sealer.Open(v)
			if err != nil {
				return apierr.Integrity(err)
			}
			out[string(k)] = plaintext
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) Enqueue(_ context.Context, queue string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pending, err := tx.CreateBucketIfNotExists(pendingBucketName(queue))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(leaseBucketName(queue)); err != nil {
			return err
		}
		seq, err := pending.NextSequence()
		if err != nil {
			return err
		}
		rec := pendingRecord{Key: key, Attempts: 0}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return pending.Put(itob(seq), data)
	})
}

func (s *BoltStore) Dequeue(_ context.Context, queue string, lease time.Duration) (*QueueEntry, error) {
	var entry *QueueEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		pending, err := tx.CreateBucketIfNotExists(pendingBucketName(queue))
		if err != nil {
			return err
		}
		leases, err := tx.CreateBucketIfNotExists(leaseBucketName(queue))
		if err != nil {
			return err
		}

		c := pending.Cursor()
		now := time.Now()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if leaseData := leases.Get(k); leaseData != nil {
				var lr leaseRecord
				if err := json.Unmarshal(leaseData, &lr); err != nil {
					return err
				}
				if lr.Deadline.After(now) {
					continue // still leased to someone else
				}
			}

			var rec pendingRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			rec.Attempts++
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := pending.Put(k, data); err != nil {
				return err
			}

			leaseID := uuid.New().String()
			lr := leaseRecord{LeaseID: leaseID, Deadline: now.Add(lease)}
			leaseData, err := json.Marshal(lr)
			if err != nil {
				return err
			}
			if err := leases.Put(k, leaseData); err != nil {
				return err
			}

			entry = &QueueEntry{
				EntryID:  hex.EncodeToString(k),
				Key:      rec.Key,
				Attempts: rec.Attempts,
				LeaseID:  leaseID,
			}
			return nil
		}
		return ErrEmpty
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *BoltStore) Ack(_ context.Context, queue string, entryID string) error {
	k, err := hex.DecodeString(entryID)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", entryID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(pendingBucketName(queue))
		leases := tx.Bucket(leaseBucketName(queue))
		if pending == nil || leases == nil {
			return ErrUnknownEntry
		}
		if pending.Get(k) == nil {
			return ErrUnknownEntry
		}
		if err := pending.Delete(k); err != nil {
			return err
		}
		return leases.Delete(k)
	})
}

func (s *BoltStore) Heartbeat(_ context.Context, queue string, entryID string, extend time.Duration) error {
	k, err := hex.DecodeString(entryID)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", entryID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(leaseBucketName(queue))
		if leases == nil {
			return ErrUnknownEntry
		}
		data := leases.Get(k)
		if data == nil {
			return ErrUnknownEntry
		}
		var lr leaseRecord
		if err := json.Unmarshal(data, &lr); err != nil {
			return err
		}
		lr.Deadline = lr.Deadline.Add(extend)
		out, err := json.Marshal(lr)
		if err != nil {
			return err
		}
		return leases.Put(k, out)
	})
}

func (s *BoltStore) RequeueExpired(_ context.Context, queue string) (int, error) {
	released := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(leaseBucketName(queue))
		if leases == nil {
			return nil
		}
		now := time.Now()
		var expired [][]byte
		c := leases.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var lr leaseRecord
			if err := json.Unmarshal(v, &lr); err != nil {
				return err
			}
			if lr.Deadline.Before(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := leases.Delete(k); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
