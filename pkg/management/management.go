/*
Package management implements the Management Core: the component that
owns every mutating operation over Function, InputFile, OutputFile,
FusionData, and Task records. It composes the IAM shim, the typed
object store, the task state machine, and the audit sink behind one
constructor-wired facade.

Every operation follows the same recipe: authorize, validate, commit
through objectstore.CompareAndSwap (or a fresh Save for creation), then
append one audit record in the same call. If the audit append fails,
the operation returns apierr.Audit even though the compare-and-swap
already landed. From the caller's point of view the operation did not
complete, since both live in the same storage file and a caller that
sees an error is expected to retry or escalate rather than assume
partial progress succeeded.
*/
package management

import (
	"context"
	"time"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/audit"
	"github.com/veilmesh/taskcore/pkg/log"
	"github.com/veilmesh/taskcore/pkg/objectstore"
	"github.com/veilmesh/taskcore/pkg/statemachine"
	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

// Core is the Management Core.
type Core struct {
	store storage.Store
	audit *audit.Sink
	log   log.Logger
}

// New wires a Core over an already-open Storage Backend and Audit Sink.
func New(store storage.Store, auditSink *audit.Sink, logger log.Logger) *Core {
	return &Core{store: store, audit: auditSink, log: logger.WithComponent("management")}
}

// ---- Function ----

// RegisterFunction persists a new function definition. Owner is always
// set to caller; any Owner the client supplied on fn is discarded.
func (c *Core) RegisterFunction(ctx context.Context, caller types.UserID, fn *types.Function) (*types.Function, error) {
	if fn.Name == "" {
		return nil, apierr.InvalidArgument("function name must not be empty")
	}
	fn.ExternalID = types.NewExternalID(types.PrefixFunction)
	fn.Owner = caller
	fn.Version = 0
	if err := objectstore.Save(ctx, c.store, fn); err != nil {
		return nil, apierr.Internal("save function", err)
	}
	return fn, nil
}

func (c *Core) loadFunction(ctx context.Context, id types.ExternalID) (*types.Function, error) {
	if id.Prefix != types.PrefixFunction {
		return nil, apierr.InvalidFunctionID(id.String())
	}
	fn, err := objectstore.Load[*types.Function](ctx, c.store, id)
	if err != nil {
		return nil, translateLoadErr(err, apierr.InvalidFunctionID(id.String()))
	}
	return fn, nil
}

// GetFunction returns id's record iff it is public or caller is its
// owner.
func (c *Core) GetFunction(ctx context.Context, caller types.UserID, id types.ExternalID) (*types.Function, error) {
	fn, err := c.loadFunction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fn.Public && fn.Owner != caller {
		return nil, apierr.PermissionDenied("caller is not authorized to read this function")
	}
	return fn, nil
}

// DeleteFunction refuses to delete a function still referenced by any
// non-terminal task.
func (c *Core) DeleteFunction(ctx context.Context, id types.ExternalID) error {
	tasks, err := objectstore.ListByPrefix[*types.Task](ctx, c.store, types.PrefixTask)
	if err != nil {
		return apierr.Internal("list tasks", err)
	}
	for _, t := range tasks {
		if t.FunctionID == id && !t.Status.IsTerminal() {
			return apierr.FunctionInUse(id.String())
		}
	}
	if err := c.store.Delete(ctx, []byte(id.String())); err != nil {
		return apierr.Internal("delete function", err)
	}
	return nil
}

// ---- InputFile / OutputFile ----

// RegisterInputFile creates an InputFile owned solely by caller. No
// precondition beyond authentication.
func (c *Core) RegisterInputFile(ctx context.Context, caller types.UserID, crypto types.FileCryptoInfo, url string) (*types.InputFile, error) {
	f := &types.InputFile{ExternalID: types.NewExternalID(types.PrefixInputFile), Owner: types.NewOwnerList(caller), CryptoInfo: crypto, URL: url}
	if err := objectstore.Save(ctx, c.store, f); err != nil {
		return nil, apierr.Internal("save input file", err)
	}
	return f, nil
}

func (c *Core) loadInputFile(ctx context.Context, id types.ExternalID) (*types.InputFile, error) {
	if id.Prefix != types.PrefixInputFile {
		return nil, apierr.InvalidDataID(id.String())
	}
	f, err := objectstore.Load[*types.InputFile](ctx, c.store, id)
	if err != nil {
		return nil, translateLoadErr(err, apierr.InvalidDataID(id.String()))
	}
	return f, nil
}

// GetInputFile returns id's record iff caller is in its owner set.
func (c *Core) GetInputFile(ctx context.Context, caller types.UserID, id types.ExternalID) (*types.InputFile, error) {
	f, err := c.loadInputFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.Owner.Contains(caller) {
		return nil, apierr.PermissionDenied("caller is not in the owner list of this input file")
	}
	return f, nil
}

// ResolveInputFile loads an input file record without an ownership
// check. It exists for the scheduler coupling: by the time a task is
// Staged, assign-data has already verified every bound file belongs to
// a task participant, so no further per-caller authorization applies
// when the worker-facing bundle is assembled.
func (c *Core) ResolveInputFile(ctx context.Context, id types.ExternalID) (*types.InputFile, error) {
	return c.loadInputFile(ctx, id)
}

// RegisterOutputFile creates an OutputFile owned solely by caller.
// Caller must hold a role of DataOwner or higher.
func (c *Core) RegisterOutputFile(ctx context.Context, caller types.UserID, role types.Role, crypto types.FileCryptoInfo, url string) (*types.OutputFile, error) {
	if !role.AtLeast(types.RoleDataOwner) {
		return nil, apierr.PermissionDenied("caller must hold a role of DataOwner or higher to register an output file")
	}
	f := &types.OutputFile{ExternalID: types.NewExternalID(types.PrefixOutputFile), Owner: types.NewOwnerList(caller), CryptoInfo: crypto, URL: url}
	if err := objectstore.Save(ctx, c.store, f); err != nil {
		return nil, apierr.Internal("save output file", err)
	}
	return f, nil
}

func (c *Core) loadOutputFile(ctx context.Context, id types.ExternalID) (*types.OutputFile, error) {
	if id.Prefix != types.PrefixOutputFile {
		return nil, apierr.InvalidOutputFile(id.String())
	}
	f, err := objectstore.Load[*types.OutputFile](ctx, c.store, id)
	if err != nil {
		return nil, translateLoadErr(err, apierr.InvalidOutputFile(id.String()))
	}
	return f, nil
}

// GetOutputFile returns id's record iff caller is in its owner set.
func (c *Core) GetOutputFile(ctx context.Context, caller types.UserID, id types.ExternalID) (*types.OutputFile, error) {
	f, err := c.loadOutputFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.Owner.Contains(caller) {
		return nil, apierr.PermissionDenied("caller is not in the owner list of this output file")
	}
	return f, nil
}

// ResolveOutputFile is ResolveInputFile's mirror for output files.
func (c *Core) ResolveOutputFile(ctx context.Context, id types.ExternalID) (*types.OutputFile, error) {
	return c.loadOutputFile(ctx, id)
}

// ---- FusionData (supplemented) ----

// RegisterFusionData materializes a FusionData record whose owner set
// is the union of every source file's owners.
func (c *Core) RegisterFusionData(ctx context.Context, sourceIDs []types.ExternalID) (*types.FusionData, error) {
	if len(sourceIDs) == 0 {
		return nil, apierr.InvalidArgument("fusion data requires at least one source")
	}
	owners := make([]types.OwnerList, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		switch id.Prefix {
		case types.PrefixInputFile:
			f, err := c.loadInputFile(ctx, id)
			if err != nil {
				return nil, err
			}
			owners = append(owners, f.Owner)
		case types.PrefixOutputFile:
			f, err := c.loadOutputFile(ctx, id)
			if err != nil {
				return nil, err
			}
			owners = append(owners, f.Owner)
		case types.PrefixFusionData:
			f, err := c.loadFusionData(ctx, id)
			if err != nil {
				return nil, err
			}
			owners = append(owners, f.Owner)
		default:
			return nil, apierr.InvalidDataID(id.String())
		}
	}

	fd := &types.FusionData{
		ExternalID: types.NewExternalID(types.PrefixFusionData),
		Owner:      types.Unions(owners...),
		SourceIDs:  sourceIDs,
		CreatedAt:  time.Now(),
	}
	if err := objectstore.Save(ctx, c.store, fd); err != nil {
		return nil, apierr.Internal("save fusion data", err)
	}
	return fd, nil
}

func (c *Core) loadFusionData(ctx context.Context, id types.ExternalID) (*types.FusionData, error) {
	if id.Prefix != types.PrefixFusionData {
		return nil, apierr.InvalidDataID(id.String())
	}
	fd, err := objectstore.Load[*types.FusionData](ctx, c.store, id)
	if err != nil {
		return nil, translateLoadErr(err, apierr.InvalidDataID(id.String()))
	}
	return fd, nil
}

// GetFusionData returns id's record iff caller is in its owner set.
func (c *Core) GetFusionData(ctx context.Context, caller types.UserID, id types.ExternalID) (*types.FusionData, error) {
	fd, err := c.loadFusionData(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fd.Owner.Contains(caller) {
		return nil, apierr.PermissionDenied("caller is not in the owner list of this fusion data")
	}
	return fd, nil
}

func translateLoadErr(err error, notFound *apierr.Error) error {
	if err == storage.ErrNotFound {
		return notFound
	}
	if _, ok := apierr.As(err); ok {
		return err
	}
	return apierr.Internal("load entity", err)
}
