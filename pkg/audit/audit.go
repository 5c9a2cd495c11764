// Package audit implements the append-only Audit Sink: every task
// state transition is recorded as a sequential record in the Storage
// Backend, and fanned out in-memory to any subscriber watching for
// live transitions.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

// Record is one audit entry: a single observed state transition.
type Record struct {
	Seq       uint64           `json:"seq"`
	TaskID    types.ExternalID `json:"task_id"`
	OldStatus types.TaskStatus `json:"old_status"`
	NewStatus types.TaskStatus `json:"new_status"`
	Caller    types.UserID     `json:"caller"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

const keyPrefix = "audit-"
const seqCounterKey = "audit-seq-counter"

// Sink appends audit records to storage inside the same logical
// operation as the state transition they describe, and republishes
// each appended record to any live subscriber.
type Sink struct {
	store storage.Store

	mu          sync.Mutex
	subscribers map[chan *Record]struct{}
}

// NewSink wraps store. One Sink should be shared by every component
// recording transitions against that store.
func NewSink(store storage.Store) *Sink {
	return &Sink{store: store, subscribers: make(map[chan *Record]struct{})}
}

// Append persists rec and notifies subscribers. A storage failure here
// is surfaced as apierr.Audit — the management core treats it as part
// of the transactional boundary of the state transition it follows.
func (s *Sink) Append(ctx context.Context, rec Record) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return apierr.Audit(err)
	}
	rec.Seq = seq
	rec.Timestamp = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return apierr.Audit(err)
	}
	key := fmt.Sprintf("%s%020d", keyPrefix, seq)
	if err := s.store.Put(ctx, []byte(key), data); err != nil {
		return apierr.Audit(err)
	}

	s.publish(&rec)
	return nil
}

func (s *Sink) nextSeq(ctx context.Context) (uint64, error) {
	current, err := s.store.Get(ctx, []byte(seqCounterKey))
	var seq uint64
	if err == nil {
		seq = binary.BigEndian.Uint64(current)
	} else if err != storage.ErrNotFound {
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := s.store.Put(ctx, []byte(seqCounterKey), buf); err != nil {
		return 0, err
	}
	return seq, nil
}

// List returns every audit record for taskID, in append order.
func (s *Sink) List(ctx context.Context, taskID types.ExternalID) ([]Record, error) {
	raw, err := s.store.GetByPrefix(ctx, []byte(keyPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for k, data := range raw {
		if k == seqCounterKey {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Subscribe registers a channel to receive every future appended
// record. Callers must drain the channel promptly; publish drops a
// record for a subscriber whose channel is full rather than blocking.
func (s *Sink) Subscribe() chan *Record {
	ch := make(chan *Record, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (s *Sink) Unsubscribe(ch chan *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

func (s *Sink) publish(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
}
