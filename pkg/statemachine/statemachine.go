// Package statemachine holds the task lifecycle's transition table as
// an explicit, total function. It has no knowledge of storage, audit,
// or RPC — the management core evaluates a transition here first, and
// only then commits it through a compare-and-swap.
package statemachine

import (
	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/types"
)

// Event names the state-machine input driving a transition. Each event
// corresponds to one Management Core or Scheduler Coupling operation.
type Event string

const (
	EventAssignData Event = "AssignData"
	EventApprove    Event = "Approve"
	EventStage      Event = "Stage"
	EventStart      Event = "Start"
	EventFinish     Event = "Finish"
	EventFail       Event = "Fail"
	EventCancel     Event = "Cancel"
)

type transitionKey struct {
	from  types.TaskStatus
	event Event
}

// table lists every legal (state, event) -> state pair. Cancel is
// intentionally listed for every non-terminal state individually
// rather than special-cased, so the table stays the single source of
// truth for what is and is not a legal transition.
var table = map[transitionKey]types.TaskStatus{
	{types.TaskCreated, EventAssignData}:   types.TaskDataAssigned,
	{types.TaskDataAssigned, EventApprove}: types.TaskApproved,
	{types.TaskApproved, EventStage}:       types.TaskStaged,
	{types.TaskStaged, EventStart}:         types.TaskRunning,
	{types.TaskRunning, EventFinish}:       types.TaskFinished,
	{types.TaskRunning, EventFail}:         types.TaskFailed,
	{types.TaskStaged, EventFail}:          types.TaskFailed,

	{types.TaskCreated, EventCancel}:      types.TaskCanceled,
	{types.TaskDataAssigned, EventCancel}: types.TaskCanceled,
	{types.TaskApproved, EventCancel}:     types.TaskCanceled,
	{types.TaskStaged, EventCancel}:       types.TaskCanceled,
	{types.TaskRunning, EventCancel}:      types.TaskCanceled,
}

// Transition returns the next status for (current, event), or an
// *apierr.Error of KindInvalidStateTransition if no such edge exists.
func Transition(current types.TaskStatus, event Event) (types.TaskStatus, error) {
	next, ok := table[transitionKey{current, event}]
	if !ok {
		return "", apierr.InvalidStateTransition(string(current), string(event))
	}
	return next, nil
}

// CanTransition reports whether the edge exists without constructing
// an error, useful for guard checks before presenting options to a caller.
func CanTransition(current types.TaskStatus, event Event) bool {
	_, ok := table[transitionKey{current, event}]
	return ok
}
