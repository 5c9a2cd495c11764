package management

import (
	"context"
	"fmt"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/audit"
	"github.com/veilmesh/taskcore/pkg/objectstore"
	"github.com/veilmesh/taskcore/pkg/statemachine"
	"github.com/veilmesh/taskcore/pkg/types"
)

// CreateTask constructs and persists a new task. requester becomes its
// creator; participants are computed as in types.NewTask. requester
// must be authorized to read the function, every declared owner set
// must be non-empty, and requester must appear in at least one owner
// set or be the function's owner.
func (c *Core) CreateTask(
	ctx context.Context,
	requester types.UserID,
	executor types.Executor,
	functionID types.ExternalID,
	functionArguments map[string]string,
	inputOwnersMap map[string]types.OwnerList,
	outputOwnersMap map[string]types.OwnerList,
) (*types.Task, error) {
	fn, err := c.GetFunction(ctx, requester, functionID)
	if err != nil {
		return nil, err
	}
	if fn.UsageQuota != nil && *fn.UsageQuota <= 0 {
		return nil, apierr.FunctionQuotaExceeded(functionID.String())
	}

	requesterOwnsSlot := fn.Owner == requester
	for slot, ol := range inputOwnersMap {
		if ol.IsEmpty() {
			return nil, apierr.InvalidTask(fmt.Sprintf("input slot %q owner set must not be empty", slot))
		}
		if ol.Contains(requester) {
			requesterOwnsSlot = true
		}
	}
	for slot, ol := range outputOwnersMap {
		if ol.IsEmpty() {
			return nil, apierr.InvalidTask(fmt.Sprintf("output slot %q owner set must not be empty", slot))
		}
		if ol.Contains(requester) {
			requesterOwnsSlot = true
		}
	}
	if !requesterOwnsSlot {
		return nil, apierr.InvalidTask("requester must own at least one input/output slot or be the function owner")
	}

	task := types.NewTask(requester, executor, fn, functionArguments, inputOwnersMap, outputOwnersMap)
	if err := task.CheckFunctionCompatibility(fn); err != nil {
		return nil, apierr.InvalidTask(err.Error())
	}

	if err := objectstore.Save(ctx, c.store, task); err != nil {
		return nil, apierr.Internal("save task", err)
	}
	if err := c.recordTransition(ctx, task.TaskID, "", task.Status, requester, "created"); err != nil {
		return nil, err
	}
	return task, nil
}

func (c *Core) GetTask(ctx context.Context, id types.ExternalID) (*types.Task, error) {
	if id.Prefix != types.PrefixTask {
		return nil, apierr.InvalidTaskID(id.String())
	}
	task, err := objectstore.Load[*types.Task](ctx, c.store, id)
	if err != nil {
		return nil, translateLoadErr(err, apierr.InvalidTaskID(id.String()))
	}
	return task, nil
}

// ListTasksForUser returns every task caller participates in.
func (c *Core) ListTasksForUser(ctx context.Context, caller types.UserID) ([]*types.Task, error) {
	all, err := objectstore.ListByPrefix[*types.Task](ctx, c.store, types.PrefixTask)
	if err != nil {
		return nil, apierr.Internal("list tasks", err)
	}
	out := make([]*types.Task, 0, len(all))
	for _, t := range all {
		if t.Participants.Contains(caller) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AssignInputData binds an input slot of taskID to file, requiring
// caller to be in file's owner set and the task to still be collecting
// bindings (Created or DataAssigned).
func (c *Core) AssignInputData(ctx context.Context, taskID types.ExternalID, caller types.UserID, slot string, fileID types.ExternalID) (*types.Task, error) {
	file, err := c.loadInputFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return c.assignData(ctx, taskID, caller, func(t *types.Task) error {
		return t.AssignInput(caller, slot, file)
	})
}

// AssignOutputData is AssignInputData's mirror for output slots.
func (c *Core) AssignOutputData(ctx context.Context, taskID types.ExternalID, caller types.UserID, slot string, fileID types.ExternalID) (*types.Task, error) {
	file, err := c.loadOutputFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return c.assignData(ctx, taskID, caller, func(t *types.Task) error {
		return t.AssignOutput(caller, slot, file)
	})
}

func (c *Core) assignData(ctx context.Context, taskID types.ExternalID, caller types.UserID, bind func(*types.Task) error) (*types.Task, error) {
	var oldStatus, newStatus types.TaskStatus
	result, err := objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
		if t.Status != types.TaskCreated && t.Status != types.TaskDataAssigned {
			return nil, apierr.TaskAssignDataError("task is not accepting data bindings in status " + string(t.Status))
		}
		if !t.Participants.Contains(caller) {
			return nil, apierr.PermissionDenied("caller is not a participant of this task")
		}
		oldStatus = t.Status
		if err := bind(t); err != nil {
			return nil, apierr.TaskAssignDataError(err.Error())
		}
		if t.AllDataAssigned() {
			next, _ := statemachine.Transition(t.Status, statemachine.EventAssignData)
			t.Status = next
		}
		newStatus = t.Status
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if oldStatus != newStatus {
		if err := c.recordTransition(ctx, taskID, oldStatus, newStatus, caller, "data assigned"); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ApproveTask records caller's approval. Once every participant has
// approved, the task transitions DataAssigned -> Approved. This
// operation is idempotent: approving twice is a no-op, not an error.
func (c *Core) ApproveTask(ctx context.Context, taskID types.ExternalID, caller types.UserID) (*types.Task, error) {
	var oldStatus, newStatus types.TaskStatus
	result, err := objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
		if !t.Participants.Contains(caller) {
			return nil, apierr.PermissionDenied("caller is not a participant of this task")
		}
		if t.Status != types.TaskDataAssigned && t.Status != types.TaskApproved {
			return nil, apierr.TaskApproveError("task is not awaiting approval in status " + string(t.Status))
		}
		oldStatus = t.Status
		t.ApprovedUsers = t.ApprovedUsers.Insert(caller)
		if t.Status == types.TaskDataAssigned && t.AllApproved() {
			next, _ := statemachine.Transition(t.Status, statemachine.EventApprove)
			t.Status = next
		}
		newStatus = t.Status
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if oldStatus != newStatus {
		if err := c.recordTransition(ctx, taskID, oldStatus, newStatus, caller, "approved"); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// InvokeTask moves an Approved task to Staged and enqueues it for the
// scheduler coupling to pull. After the task's transition is committed
// it decrements the function's usage quota in a separate
// compare-and-swap on the function record; the two writes are not
// atomic with each other. Only the task's creator may invoke it; a
// fellow participant's approval is not enough.
func (c *Core) InvokeTask(ctx context.Context, taskID types.ExternalID, caller types.UserID) (*types.Task, error) {
	var oldStatus, newStatus types.TaskStatus
	result, err := objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
		if caller != t.Creator {
			return nil, apierr.PermissionDenied("only the task's creator may invoke it")
		}
		if t.Status != types.TaskApproved {
			return nil, apierr.TaskInvokeError("task is not approved, status is " + string(t.Status))
		}
		oldStatus = t.Status
		next, _ := statemachine.Transition(t.Status, statemachine.EventStage)
		t.Status = next
		newStatus = t.Status
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.decrementFunctionQuota(ctx, result.FunctionID); err != nil {
		return nil, err
	}
	if err := c.store.Enqueue(ctx, QueueStagedTasks, []byte(taskID.String())); err != nil {
		return nil, apierr.Internal("enqueue staged task", err)
	}
	if err := c.recordTransition(ctx, taskID, oldStatus, newStatus, caller, "invoked"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Core) decrementFunctionQuota(ctx context.Context, functionID types.ExternalID) error {
	_, err := objectstore.CompareAndSwap[*types.Function](ctx, c.store, functionID, func(fn *types.Function) (*types.Function, error) {
		if fn.UsageQuota == nil {
			return fn, nil
		}
		if *fn.UsageQuota <= 0 {
			return nil, apierr.FunctionQuotaExceeded(functionID.String())
		}
		remaining := *fn.UsageQuota - 1
		fn.UsageQuota = &remaining
		return fn, nil
	})
	if err != nil {
		return err
	}
	return nil
}

// CancelTask moves any non-terminal task directly to Canceled and
// records result = Err(Canceled(reason)), so a worker report that
// arrives afterwards finds the task already terminal and is discarded
// instead of overwriting the cancellation.
func (c *Core) CancelTask(ctx context.Context, taskID types.ExternalID, caller types.UserID, reason string) (*types.Task, error) {
	if reason == "" {
		reason = types.FailureReasonCanceled
	}
	var oldStatus, newStatus types.TaskStatus
	result, err := objectstore.CompareAndSwap[*types.Task](ctx, c.store, taskID, func(t *types.Task) (*types.Task, error) {
		if !t.Participants.Contains(caller) {
			return nil, apierr.PermissionDenied("caller is not a participant of this task")
		}
		if !statemachine.CanTransition(t.Status, statemachine.EventCancel) {
			return nil, apierr.TaskCancelError("task is already in a terminal state")
		}
		oldStatus = t.Status
		next, _ := statemachine.Transition(t.Status, statemachine.EventCancel)
		t.Status = next
		t.Result = types.TaskResult{State: types.ResultErr, Failure: &types.TaskFailure{Reason: reason}}
		newStatus = t.Status
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.recordTransition(ctx, taskID, oldStatus, newStatus, caller, "canceled"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Core) recordTransition(ctx context.Context, taskID types.ExternalID, old, next types.TaskStatus, caller types.UserID, reason string) error {
	return c.audit.Append(ctx, audit.Record{
		TaskID:    taskID,
		OldStatus: old,
		NewStatus: next,
		Caller:    caller,
		Reason:    reason,
	})
}

// QueueStagedTasks is the name of the FIFO queue the scheduler
// coupling pulls staged tasks from.
const QueueStagedTasks = "staged-task-queue"
