/*
Package frontend is the Frontend Gateway: an interface-only contract
(the attested mTLS transport and wire schema are external
collaborators this repo never implements), plus one in-process
Gateway adapter used by cmd/taskcore and by integration tests. Gateway
authenticates every call through the IAM shim, then forwards straight
to the Management Core, one method per RPC.
*/
package frontend

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/iam"
	"github.com/veilmesh/taskcore/pkg/management"
	"github.com/veilmesh/taskcore/pkg/types"
)

// Response is the RPC-shaped envelope every gateway call returns: a
// status Code, a human message, and (on success) the payload.
type Response struct {
	Code    codes.Code
	Message string
	Payload any
}

func ok(payload any) *Response { return &Response{Code: codes.OK, Payload: payload} }

func fail(err error) *Response {
	if apiErr, ok := apierr.As(err); ok {
		return &Response{Code: apiErr.Code(), Message: apiErr.Error()}
	}
	return &Response{Code: codes.Unknown, Message: err.Error()}
}

// Gateway is the in-process Frontend Gateway adapter.
type Gateway struct {
	auth iam.IAM
	core *management.Core
}

// New wires a Gateway over an IAM implementation and a Management Core.
func New(auth iam.IAM, core *management.Core) *Gateway {
	return &Gateway{auth: auth, core: core}
}

// authenticate extracts the caller's principal and role from (id,
// token), mirroring the frontend service's authenticate-then-forward
// pattern. Only these two credential fields are ever trusted for
// authorization; any other metadata a transport might carry is
// advisory only.
func (g *Gateway) authenticate(ctx context.Context, id, token string) (types.UserID, types.Role, error) {
	return g.auth.Authenticate(ctx, id, token)
}

func (g *Gateway) CreateTask(ctx context.Context, id, token string, executor types.Executor, functionID types.ExternalID, args map[string]string, inputOwners, outputOwners map[string]types.OwnerList) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.CreateTask(ctx, caller, executor, functionID, args, inputOwners, outputOwners)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

func (g *Gateway) GetTask(ctx context.Context, id, token string, taskID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.GetTask(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	if !task.Participants.Contains(caller) {
		return fail(apierr.PermissionDenied("caller is not a participant of this task"))
	}
	return ok(task)
}

func (g *Gateway) AssignInputData(ctx context.Context, id, token string, taskID types.ExternalID, slot string, fileID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.AssignInputData(ctx, taskID, caller, slot, fileID)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

func (g *Gateway) AssignOutputData(ctx context.Context, id, token string, taskID types.ExternalID, slot string, fileID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.AssignOutputData(ctx, taskID, caller, slot, fileID)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

func (g *Gateway) ApproveTask(ctx context.Context, id, token string, taskID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.ApproveTask(ctx, taskID, caller)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

func (g *Gateway) InvokeTask(ctx context.Context, id, token string, taskID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.InvokeTask(ctx, taskID, caller)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

func (g *Gateway) CancelTask(ctx context.Context, id, token string, taskID types.ExternalID, reason string) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	task, err := g.core.CancelTask(ctx, taskID, caller, reason)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

func (g *Gateway) RegisterFunction(ctx context.Context, id, token string, fn *types.Function) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	created, err := g.core.RegisterFunction(ctx, caller, fn)
	if err != nil {
		return fail(err)
	}
	return ok(created)
}

func (g *Gateway) GetFunction(ctx context.Context, id, token string, functionID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	fn, err := g.core.GetFunction(ctx, caller, functionID)
	if err != nil {
		return fail(err)
	}
	return ok(fn)
}

func (g *Gateway) RegisterInputFile(ctx context.Context, id, token string, crypto types.FileCryptoInfo, url string) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	f, err := g.core.RegisterInputFile(ctx, caller, crypto, url)
	if err != nil {
		return fail(err)
	}
	return ok(f)
}

func (g *Gateway) GetInputFile(ctx context.Context, id, token string, fileID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	f, err := g.core.GetInputFile(ctx, caller, fileID)
	if err != nil {
		return fail(err)
	}
	return ok(f)
}

func (g *Gateway) RegisterOutputFile(ctx context.Context, id, token string, crypto types.FileCryptoInfo, url string) *Response {
	caller, role, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	f, err := g.core.RegisterOutputFile(ctx, caller, role, crypto, url)
	if err != nil {
		return fail(err)
	}
	return ok(f)
}

func (g *Gateway) GetOutputFile(ctx context.Context, id, token string, fileID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	f, err := g.core.GetOutputFile(ctx, caller, fileID)
	if err != nil {
		return fail(err)
	}
	return ok(f)
}

func (g *Gateway) GetFusionData(ctx context.Context, id, token string, fusionID types.ExternalID) *Response {
	caller, _, err := g.authenticate(ctx, id, token)
	if err != nil {
		return fail(err)
	}
	fd, err := g.core.GetFusionData(ctx, caller, fusionID)
	if err != nil {
		return fail(err)
	}
	return ok(fd)
}
