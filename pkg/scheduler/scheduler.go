/*
Package scheduler implements the Scheduler Coupling: the pull side of
the worker protocol (PullStaged / ReportResult / Heartbeat) and a
background lease janitor that requeues expired task leases and fails
tasks that exhaust their delivery attempts. Lease/ownership semantics:
a dequeued entry is invisible to other workers until its lease expires
or is acknowledged.
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/audit"
	"github.com/veilmesh/taskcore/pkg/log"
	"github.com/veilmesh/taskcore/pkg/management"
	"github.com/veilmesh/taskcore/pkg/objectstore"
	"github.com/veilmesh/taskcore/pkg/statemachine"
	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

// MaxAttempts bounds how many times a staged task may be leased before
// it is failed with FailureReasonExhaustedAttempts. Left as a package
// variable rather than a hardcoded constant so an operator can
// override it at process start.
var MaxAttempts = 3

// StagedBundle is everything a worker needs to execute a staged task:
// the task view plus its resolved input/output file records, and the
// queue entry id to pass back to ReportResult and Heartbeat.
type StagedBundle struct {
	Task        *types.Task
	LeaseID     string
	EntryID     string
	InputFiles  map[string]*types.InputFile
	OutputFiles map[string]*types.OutputFile
}

// Coupling is the Scheduler Coupling.
type Coupling struct {
	store storage.Store
	core  *management.Core
	audit *audit.Sink
	log   log.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// New wires a Coupling over an already-constructed management Core.
func New(store storage.Store, core *management.Core, auditSink *audit.Sink, logger log.Logger) *Coupling {
	return &Coupling{store: store, core: core, audit: auditSink, log: logger.WithComponent("scheduler")}
}

// PullStaged dequeues the next staged task with a lease, verifies it
// is still Staged (a stale queue entry from a task that was canceled
// between enqueue and pull is acked immediately instead of handed to a
// worker), and transitions it Staged -> Running.
func (c *Coupling) PullStaged(ctx context.Context, lease time.Duration) (*StagedBundle, error) {
	entry, err := c.store.Dequeue(ctx, management.QueueStagedTasks, lease)
	if err != nil {
		if err == storage.ErrEmpty {
			return nil, nil
		}
		return nil, apierr.Internal("dequeue staged task", err)
	}

	taskID, err := types.ParseExternalID(string(entry.Key))
	if err != nil {
		_ = c.store.Ack(ctx, management.QueueStagedTasks, entry.EntryID)
		return nil, apierr.Internal("parse staged queue entry", err)
	}

	task, err := c.core.GetTask(ctx, taskID)
	if err != nil {
		_ = c.store.Ack(ctx, management.QueueStagedTasks, entry.EntryID)
		return nil, err
	}
	if task.Status != types.TaskStaged {
		_ = c.store.Ack(ctx, management.QueueStagedTasks, entry.EntryID)
		return nil, nil
	}

	task, err = objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
		if t.Status != types.TaskStaged {
			return t, nil
		}
		next, transErr := statemachine.Transition(t.Status, statemachine.EventStart)
		if transErr != nil {
			return nil, transErr
		}
		t.Status = next
		t.LeaseID = entry.LeaseID
		return t, nil
	})
	if err != nil {
		_ = c.store.Ack(ctx, management.QueueStagedTasks, entry.EntryID)
		return nil, err
	}

	bundle := &StagedBundle{Task: task, LeaseID: entry.LeaseID, EntryID: entry.EntryID, InputFiles: map[string]*types.InputFile{}, OutputFiles: map[string]*types.OutputFile{}}
	for name, id := range task.InputMap {
		f, err := c.core.ResolveInputFile(ctx, id)
		if err != nil {
			return nil, err
		}
		bundle.InputFiles[name] = f
	}
	for name, id := range task.OutputMap {
		f, err := c.core.ResolveOutputFile(ctx, id)
		if err != nil {
			return nil, err
		}
		bundle.OutputFiles[name] = f
	}

	_ = c.audit.Append(ctx, audit.Record{TaskID: taskID, OldStatus: types.TaskStaged, NewStatus: types.TaskRunning, Reason: "staged to worker"})
	return bundle, nil
}

// ReportResult validates leaseID against the task's recorded lease,
// silently acking (without error) a stale or forged report, records
// the outcome, and acks the queue entry.
func (c *Coupling) ReportResult(ctx context.Context, taskID types.ExternalID, leaseID string, entryID string, result types.TaskResult) error {
	task, err := c.core.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.LeaseID != leaseID {
		c.log.WithTaskID(taskID).Warn("ignoring result report with stale or unknown lease id")
		_ = c.store.Ack(ctx, management.QueueStagedTasks, entryID)
		return nil
	}

	event := statemachine.EventFinish
	newStatus := types.TaskFinished
	if result.State == types.ResultErr {
		event = statemachine.EventFail
		newStatus = types.TaskFailed
	}

	_, err = objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
		if t.Status != types.TaskRunning {
			return t, nil
		}
		next, transErr := statemachine.Transition(t.Status, event)
		if transErr != nil {
			return nil, transErr
		}
		t.Status = next
		t.Result = result
		if result.State == types.ResultOk && result.Outputs != nil {
			for name, id := range t.OutputMap {
				if tag, ok := result.Outputs.OutputFileTags[name]; ok {
					if ferr := c.setOutputTag(ctx, id, tag); ferr != nil {
						return nil, ferr
					}
				}
			}
		}
		return t, nil
	})
	if err != nil {
		return err
	}

	if err := c.audit.Append(ctx, audit.Record{TaskID: taskID, OldStatus: types.TaskRunning, NewStatus: newStatus, Reason: "worker reported result"}); err != nil {
		return err
	}
	return c.store.Ack(ctx, management.QueueStagedTasks, entryID)
}

func (c *Coupling) setOutputTag(ctx context.Context, fileID types.ExternalID, tag types.FileAuthTag) error {
	_, err := objectstore.CompareAndSwap[*types.OutputFile](ctx, c.store, fileID, func(f *types.OutputFile) (*types.OutputFile, error) {
		f.AuthTag = tag
		return f, nil
	})
	return err
}

// Heartbeat pushes entryID's current lease deadline back by extend.
// The lease's original duration is not recorded, so the extension is
// whatever extend the caller passes.
func (c *Coupling) Heartbeat(ctx context.Context, entryID string, extend time.Duration) error {
	return c.store.Heartbeat(ctx, management.QueueStagedTasks, entryID, extend)
}

// LeaseJanitor runs RequeueExpired on a fixed interval and fails any
// task whose staged-queue entry has now exhausted MaxAttempts.
func (c *Coupling) LeaseJanitor(ctx context.Context, interval time.Duration) {
	c.mu.Lock()
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// Stop signals a running LeaseJanitor to exit.
func (c *Coupling) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Coupling) sweep(ctx context.Context) {
	released, err := c.store.RequeueExpired(ctx, management.QueueStagedTasks)
	if err != nil {
		c.log.Error("lease janitor sweep failed", err)
		return
	}
	if released == 0 {
		return
	}
	c.log.WithField("released", released).Info("released expired leases")
	c.failExhaustedTasks(ctx)
}

func (c *Coupling) failExhaustedTasks(ctx context.Context) {
	for {
		entry, err := c.store.Dequeue(ctx, management.QueueStagedTasks, time.Millisecond)
		if err != nil {
			return
		}
		if entry.Attempts <= MaxAttempts {
			continue
		}
		taskID, err := types.ParseExternalID(string(entry.Key))
		if err != nil {
			_ = c.store.Ack(ctx, management.QueueStagedTasks, entry.EntryID)
			continue
		}
		_, err = objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
			if t.Status.IsTerminal() {
				return t, nil
			}
			t.Status = types.TaskFailed
			t.Result = types.TaskResult{State: types.ResultErr, Failure: &types.TaskFailure{Reason: types.FailureReasonExhaustedAttempts}}
			return t, nil
		})
		if err == nil {
			_ = c.audit.Append(ctx, audit.Record{TaskID: taskID, NewStatus: types.TaskFailed, Reason: types.FailureReasonExhaustedAttempts})
		}
		_ = c.store.Ack(ctx, management.QueueStagedTasks, entry.EntryID)
	}
}
