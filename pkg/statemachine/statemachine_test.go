package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/taskcore/pkg/types"
)

var allStatuses = []types.TaskStatus{
	types.TaskCreated,
	types.TaskDataAssigned,
	types.TaskApproved,
	types.TaskStaged,
	types.TaskRunning,
	types.TaskFinished,
	types.TaskFailed,
	types.TaskCanceled,
}

var allEvents = []Event{
	EventAssignData,
	EventApprove,
	EventStage,
	EventStart,
	EventFinish,
	EventFail,
	EventCancel,
}

// legal enumerates every (state, event) edge the table is expected to
// carry. Anything not listed here must be rejected by Transition.
var legal = map[transitionKey]types.TaskStatus{
	{types.TaskCreated, EventAssignData}:   types.TaskDataAssigned,
	{types.TaskDataAssigned, EventApprove}: types.TaskApproved,
	{types.TaskApproved, EventStage}:       types.TaskStaged,
	{types.TaskStaged, EventStart}:         types.TaskRunning,
	{types.TaskRunning, EventFinish}:       types.TaskFinished,
	{types.TaskRunning, EventFail}:         types.TaskFailed,
	{types.TaskStaged, EventFail}:          types.TaskFailed,
	{types.TaskCreated, EventCancel}:       types.TaskCanceled,
	{types.TaskDataAssigned, EventCancel}:  types.TaskCanceled,
	{types.TaskApproved, EventCancel}:      types.TaskCanceled,
	{types.TaskStaged, EventCancel}:        types.TaskCanceled,
	{types.TaskRunning, EventCancel}:       types.TaskCanceled,
}

func TestTransitionMatrixMatchesExpectedTable(t *testing.T) {
	for _, from := range allStatuses {
		for _, event := range allEvents {
			want, isLegal := legal[transitionKey{from, event}]
			got, err := Transition(from, event)
			if isLegal {
				require.NoErrorf(t, err, "(%s, %s) should be a legal transition", from, event)
				require.Equal(t, want, got)
				require.True(t, CanTransition(from, event))
			} else {
				require.Errorf(t, err, "(%s, %s) should be rejected", from, event)
				require.False(t, CanTransition(from, event))
			}
		}
	}
}

func TestTransitionFromTerminalStatesAlwaysRejected(t *testing.T) {
	for _, terminal := range []types.TaskStatus{types.TaskFinished, types.TaskFailed, types.TaskCanceled} {
		for _, event := range allEvents {
			require.False(t, CanTransition(terminal, event))
		}
	}
}
