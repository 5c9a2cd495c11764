package management

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/audit"
	"github.com/veilmesh/taskcore/pkg/log"
	"github.com/veilmesh/taskcore/pkg/security"
	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	sealer, err := security.NewSealerFromMasterKeyHandle([]byte("test-handle"))
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sink := audit.NewSink(store)
	return New(store, sink, log.Global)
}

func registerEchoFunction(t *testing.T, core *Core, owner types.UserID) *types.Function {
	t.Helper()
	fn, err := core.RegisterFunction(context.Background(), owner, &types.Function{
		Name:      "echo",
		Arguments: []string{"msg"},
		Inputs:    []types.FunctionIO{{Name: "in"}},
		Outputs:   []types.FunctionIO{{Name: "out"}},
	})
	require.NoError(t, err)
	return fn
}

// TestSinglePartyEchoLifecycle walks one task through the full legal
// path: register function and files, create task, bind data, approve,
// and invoke, ending with the task Staged and audit records written.
func TestSinglePartyEchoLifecycle(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
	in, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{Schema: "aes-gcm"}, "s3://in")
	require.NoError(t, err)
	out, err := core.RegisterOutputFile(ctx, "alice", types.RoleDataOwner, types.FileCryptoInfo{Schema: "aes-gcm"}, "s3://out")
	require.NoError(t, err)

	task, err := core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.NoError(t, err)
	require.Equal(t, types.TaskCreated, task.Status)

	task, err = core.AssignInputData(ctx, task.TaskID, "alice", "in", in.ExternalID)
	require.NoError(t, err)
	task, err = core.AssignOutputData(ctx, task.TaskID, "alice", "out", out.ExternalID)
	require.NoError(t, err)
	require.Equal(t, types.TaskDataAssigned, task.Status)

	task, err = core.ApproveTask(ctx, task.TaskID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.TaskApproved, task.Status)

	task, err = core.InvokeTask(ctx, task.TaskID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.TaskStaged, task.Status)

	records, err := core.audit.List(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
}

// TestTwoPartyTaskRequiresBothApprovals exercises the multi-party
// path: neither participant's approval alone is enough to stage, and
// only the task's creator may invoke it once approved.
func TestTwoPartyTaskRequiresBothApprovals(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
	inA, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{}, "s3://a")
	require.NoError(t, err)
	outB, err := core.RegisterOutputFile(ctx, "bob", types.RoleDataOwner, types.FileCryptoInfo{}, "s3://b")
	require.NoError(t, err)

	task, err := core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("bob")},
	)
	require.NoError(t, err)
	require.True(t, task.Participants.Contains("alice"))
	require.True(t, task.Participants.Contains("bob"))

	task, err = core.AssignInputData(ctx, task.TaskID, "alice", "in", inA.ExternalID)
	require.NoError(t, err)
	task, err = core.AssignOutputData(ctx, task.TaskID, "bob", "out", outB.ExternalID)
	require.NoError(t, err)
	require.Equal(t, types.TaskDataAssigned, task.Status)

	task, err = core.ApproveTask(ctx, task.TaskID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.TaskDataAssigned, task.Status, "task must stay DataAssigned until every participant approves")

	task, err = core.ApproveTask(ctx, task.TaskID, "bob")
	require.NoError(t, err)
	require.Equal(t, types.TaskApproved, task.Status)

	_, err = core.InvokeTask(ctx, task.TaskID, "bob")
	require.Error(t, err, "a participant who is not the creator must not be able to invoke")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindPermissionDenied, apiErr.Kind)

	_, err = core.InvokeTask(ctx, task.TaskID, "alice")
	require.NoError(t, err)
}

// TestAssignInputDataRejectsOwnershipViolation ensures a caller cannot
// bind a file they do not own into a slot.
func TestAssignInputDataRejectsOwnershipViolation(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
	in, err := core.RegisterInputFile(ctx, "mallory", types.FileCryptoInfo{}, "s3://in")
	require.NoError(t, err)

	task, err := core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.NoError(t, err)

	_, err = core.AssignInputData(ctx, task.TaskID, "alice", "in", in.ExternalID)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindTaskAssignData, apiErr.Kind)
}

// TestAssignInputDataRejectsDoubleBind ensures a slot cannot be
// rebound once set.
func TestAssignInputDataRejectsDoubleBind(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
	in1, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{}, "s3://1")
	require.NoError(t, err)
	in2, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{}, "s3://2")
	require.NoError(t, err)

	task, err := core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.NoError(t, err)

	_, err = core.AssignInputData(ctx, task.TaskID, "alice", "in", in1.ExternalID)
	require.NoError(t, err)

	_, err = core.AssignInputData(ctx, task.TaskID, "alice", "in", in2.ExternalID)
	require.Error(t, err)
}

// TestCancelTaskFromApproved ensures cancellation is legal from the
// Approved state, leaves a terminal Canceled result behind, and that a
// second cancel of the now-terminal task is rejected.
func TestCancelTaskFromApproved(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
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
	require.Equal(t, types.TaskApproved, task.Status)

	task, err = core.CancelTask(ctx, task.TaskID, "alice", "changed my mind")
	require.NoError(t, err)
	require.Equal(t, types.TaskCanceled, task.Status)
	require.Equal(t, types.ResultErr, task.Result.State)
	require.Equal(t, "changed my mind", task.Result.Failure.Reason)

	_, err = core.CancelTask(ctx, task.TaskID, "alice", "")
	require.Error(t, err, "canceling an already-terminal task must fail")
}

func TestDeleteFunctionRefusesWhileTaskIsNonTerminal(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
	_, err := core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.NoError(t, err)

	err = core.DeleteFunction(ctx, fn.ExternalID)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindFunctionInUse, apiErr.Kind)
}

func TestFunctionQuotaExceededRejectsCreateTask(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	zero := int64(0)
	fn, err := core.RegisterFunction(ctx, "alice", &types.Function{
		Name:       "limited",
		Arguments:  []string{"msg"},
		Inputs:     []types.FunctionIO{{Name: "in"}},
		Outputs:    []types.FunctionIO{{Name: "out"}},
		UsageQuota: &zero,
	})
	require.NoError(t, err)

	_, err = core.CreateTask(ctx, "alice", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindFunctionQuotaExceeded, apiErr.Kind)
}

func TestRegisterFusionDataUnionsSourceOwners(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	a, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{}, "s3://a")
	require.NoError(t, err)
	b, err := core.RegisterOutputFile(ctx, "bob", types.RoleDataOwner, types.FileCryptoInfo{}, "s3://b")
	require.NoError(t, err)

	fd, err := core.RegisterFusionData(ctx, []types.ExternalID{a.ExternalID, b.ExternalID})
	require.NoError(t, err)
	require.True(t, fd.Owner.Contains("alice"))
	require.True(t, fd.Owner.Contains("bob"))
}

// TestGetFunctionRejectsNonOwnerOfPrivateFunction ensures a private
// function is only readable by its owner.
func TestGetFunctionRejectsNonOwnerOfPrivateFunction(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")

	_, err := core.GetFunction(ctx, "mallory", fn.ExternalID)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindPermissionDenied, apiErr.Kind)

	_, err = core.GetFunction(ctx, "alice", fn.ExternalID)
	require.NoError(t, err)
}

// TestGetInputFileRejectsNonOwner ensures file reads are gated on
// ownership just like function reads.
func TestGetInputFileRejectsNonOwner(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	in, err := core.RegisterInputFile(ctx, "alice", types.FileCryptoInfo{}, "s3://in")
	require.NoError(t, err)

	_, err = core.GetInputFile(ctx, "mallory", in.ExternalID)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindPermissionDenied, apiErr.Kind)
}

// TestRegisterOutputFileRequiresDataOwnerRole ensures a DataProvider
// cannot mint an output file record.
func TestRegisterOutputFileRequiresDataOwnerRole(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	_, err := core.RegisterOutputFile(ctx, "alice", types.RoleDataProvider, types.FileCryptoInfo{}, "s3://out")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindPermissionDenied, apiErr.Kind)

	_, err = core.RegisterOutputFile(ctx, "alice", types.RoleDataOwner, types.FileCryptoInfo{}, "s3://out")
	require.NoError(t, err)
}

// TestCreateTaskRejectsCallerNotInAnyOwnerSet ensures a caller who
// neither owns the function nor appears in any owner set cannot
// create a task on another pair's behalf.
func TestCreateTaskRejectsCallerNotInAnyOwnerSet(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t)

	fn := registerEchoFunction(t, core, "alice")
	fn, err := core.RegisterFunction(ctx, "alice", &types.Function{
		Name:      fn.Name,
		Public:    true,
		Arguments: []string{"msg"},
		Inputs:    []types.FunctionIO{{Name: "in"}},
		Outputs:   []types.FunctionIO{{Name: "out"}},
	})
	require.NoError(t, err)

	_, err = core.CreateTask(ctx, "mallory", types.ExecutorBuiltin, fn.ExternalID,
		map[string]string{"msg": "hi"},
		map[string]types.OwnerList{"in": types.NewOwnerList("alice")},
		map[string]types.OwnerList{"out": types.NewOwnerList("alice")},
	)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInvalidArgument, apiErr.Kind)
}
