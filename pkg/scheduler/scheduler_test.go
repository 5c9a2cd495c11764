package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/taskcore/pkg/audit"
	"github.com/veilmesh/taskcore/pkg/log"
	"github.com/veilmesh/taskcore/pkg/management"
	"github.com/veilmesh/taskcore/pkg/security"
	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

func newTestCoupling(t *testing.T) (*Coupling, *management.Core) {
	t.Helper()
	sealer, err := security.NewSealerFromMasterKeyHandle([]byte("test-handle"))
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sink := audit.NewSink(store)
	core := management.New(store, sink, log.Global)
	return New(store, core, sink, log.Global), core
}

func stageTask(t *testing.T, ctx context.Context, core *management.Core) *types.Task {
	t.Helper()
	fn, err := core.RegisterFunction(ctx, "alice", &types.Function{
		Name:      "echo",
		Arguments: []string{"msg"},
		Inputs:    []types.FunctionIO{{Name: "in"}},
		Outputs:   []types.FunctionIO{{Name: "out"}},
	})
	require.NoError(t, err)
	in, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{}, "s3://in")
	require.NoError(t, err)
	out, err := core.RegisterOutputFile(ctx, "alice", types.RoleDataOwner, types.FileCryptoInfo{}, "s3://out")
	require.NoError(t, err)

	task, err := core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.NoError(t, err)
	_, err = core.AssignInputData(ctx, task.TaskID, "alice", "in", in.ExternalID)
	require.NoError(t, err)
	_, err = core.AssignOutputData(ctx, task.TaskID, "alice", "out", out.ExternalID)
	require.NoError(t, err)
	task, err = core.ApproveTask(ctx, task.TaskID, "alice")
	require.NoError(t, err)
	task, err = core.InvokeTask(ctx, task.TaskID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.TaskStaged, task.Status)
	return task
}

func TestPullStagedTransitionsToRunning(t *testing.T) {
	ctx := context.Background()
	coupling, core := newTestCoupling(t)
	task := stageTask(t, ctx, core)

	bundle, err := coupling.PullStaged(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.Equal(t, task.TaskID, bundle.Task.TaskID)
	require.Equal(t, types.TaskRunning, bundle.Task.Status)
	require.Contains(t, bundle.InputFiles, "in")
	require.Contains(t, bundle.OutputFiles, "out")

	reloaded, err := core.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, reloaded.Status)
	require.Equal(t, bundle.LeaseID, reloaded.LeaseID)
}

func TestPullStagedReturnsNilWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	coupling, _ := newTestCoupling(t)
	bundle, err := coupling.PullStaged(ctx, time.Minute)
	require.NoError(t, err)
	require.Nil(t, bundle)
}

func TestReportResultFinishesTaskOnSuccess(t *testing.T) {
	ctx := context.Background()
	coupling, core := newTestCoupling(t)
	task := stageTask(t, ctx, core)

	bundle, err := coupling.PullStaged(ctx, time.Minute)
	require.NoError(t, err)

	result := types.TaskResult{
		State: types.ResultOk,
		Outputs: &types.TaskOutputs{
			OutputFileTags: map[string]types.FileAuthTag{"out": "tag-abc"},
		},
	}
	err = coupling.ReportResult(ctx, task.TaskID, bundle.LeaseID, bundle.EntryID, result)
	require.NoError(t, err)

	reloaded, err := core.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFinished, reloaded.Status)

	outID := reloaded.OutputMap["out"]
	outFile, err := core.GetOutputFile(ctx, "alice", outID)
	require.NoError(t, err)
	require.Equal(t, types.FileAuthTag("tag-abc"), outFile.AuthTag)
}

func TestReportResultFailsTaskOnError(t *testing.T) {
	ctx := context.Background()
	coupling, core := newTestCoupling(t)
	task := stageTask(t, ctx, core)

	bundle, err := coupling.PullStaged(ctx, time.Minute)
	require.NoError(t, err)

	result := types.TaskResult{State: types.ResultErr, Failure: &types.TaskFailure{Reason: "worker crashed"}}
	err = coupling.ReportResult(ctx, task.TaskID, bundle.LeaseID, bundle.EntryID, result)
	require.NoError(t, err)

	reloaded, err := core.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, reloaded.Status)
}

func TestReportResultIgnoresStaleLease(t *testing.T) {
	ctx := context.Background()
	coupling, core := newTestCoupling(t)
	task := stageTask(t, ctx, core)

	_, err := coupling.PullStaged(ctx, time.Minute)
	require.NoError(t, err)

	err = coupling.ReportResult(ctx, task.TaskID, "forged-lease", "", types.TaskResult{State: types.ResultOk})
	require.NoError(t, err, "a stale or forged lease report is ignored, not an error")

	reloaded, err := core.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, reloaded.Status, "the genuine lease holder's task state must be untouched")
}

// TestLeaseJanitorFailsTaskAfterExhaustingAttempts covers the
// lease-expiry scenario: a task that is never acked by a worker is
// requeued until it exhausts MaxAttempts, at which point it is failed.
func TestLeaseJanitorFailsTaskAfterExhaustingAttempts(t *testing.T) {
	ctx := context.Background()
	coupling, core := newTestCoupling(t)
	task := stageTask(t, ctx, core)

	originalMax := MaxAttempts
	MaxAttempts = 1
	defer func() { MaxAttempts = originalMax }()

	// Lease it with a lease duration that has already expired, so
	// RequeueExpired will release it without needing to sleep.
	_, err := coupling.store.Dequeue(ctx, management.QueueStagedTasks, -time.Second)
	require.NoError(t, err)

	coupling.sweep(ctx)

	reloaded, err := core.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, reloaded.Status)
	require.Equal(t, types.ResultErr, reloaded.Result.State)
	require.Equal(t, types.FailureReasonExhaustedAttempts, reloaded.Result.Failure.Reason)
}
