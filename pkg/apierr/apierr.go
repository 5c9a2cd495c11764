// Package apierr defines the error taxonomy shared by the management
// core, the scheduler coupling, and the frontend gateway. Every error
// that crosses a component boundary is (or wraps) an *Error so callers
// can map it to a transport status without inspecting error strings.
package apierr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind enumerates the taxonomy of errors a caller needs to distinguish.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindInvalidArgument
	KindInvalidStateTransition
	KindFunctionQuotaExceeded
	KindFunctionInUse
	KindTaskAssignData
	KindTaskApprove
	KindTaskInvoke
	KindTaskCancel
	KindIntegrity
	KindAudit
	KindUnavailable
	KindInternal
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Code maps the error's Kind onto a small status taxonomy:
// PermissionDenied | InvalidArgument | Internal | Unavailable |
// Unknown (successful calls carry Ok). The core
// treats the wire transport as an opaque serializer, so this only
// borrows grpc's codes.Code enum for its vocabulary; no service is
// generated or registered against it.
func (e *Error) Code() codes.Code {
	switch e.Kind {
	case KindPermissionDenied:
		return codes.PermissionDenied
	case KindInvalidArgument, KindInvalidStateTransition, KindFunctionQuotaExceeded,
		KindFunctionInUse, KindTaskAssignData, KindTaskApprove, KindTaskInvoke, KindTaskCancel:
		return codes.InvalidArgument
	case KindIntegrity, KindAudit, KindInternal:
		return codes.Internal
	case KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func newErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func PermissionDenied(msg string) *Error { return newErr(KindPermissionDenied, msg, nil) }
func InvalidArgument(msg string) *Error  { return newErr(KindInvalidArgument, msg, nil) }
func InvalidDataID(msg string) *Error {
	return newErr(KindInvalidArgument, "invalid data id: "+msg, nil)
}
func InvalidFunctionID(msg string) *Error {
	return newErr(KindInvalidArgument, "invalid function id: "+msg, nil)
}
func InvalidTaskID(msg string) *Error {
	return newErr(KindInvalidArgument, "invalid task id: "+msg, nil)
}
func InvalidOutputFile(msg string) *Error {
	return newErr(KindInvalidArgument, "invalid output file: "+msg, nil)
}
func InvalidTask(msg string) *Error { return newErr(KindInvalidArgument, "invalid task: "+msg, nil) }

func InvalidStateTransition(from, event string) *Error {
	return newErr(KindInvalidStateTransition, fmt.Sprintf("no transition for event %q from state %q", event, from), nil)
}

func FunctionQuotaExceeded(functionID string) *Error {
	return newErr(KindFunctionQuotaExceeded, "function quota exceeded: "+functionID, nil)
}

func FunctionInUse(functionID string) *Error {
	return newErr(KindFunctionInUse, "function referenced by a non-terminal task: "+functionID, nil)
}

func TaskAssignDataError(msg string) *Error { return newErr(KindTaskAssignData, msg, nil) }
func TaskApproveError(msg string) *Error    { return newErr(KindTaskApprove, msg, nil) }
func TaskInvokeError(msg string) *Error     { return newErr(KindTaskInvoke, msg, nil) }
func TaskCancelError(msg string) *Error     { return newErr(KindTaskCancel, msg, nil) }

func Integrity(err error) *Error {
	return newErr(KindIntegrity, "sealed value failed authentication", err)
}

func Audit(err error) *Error {
	return newErr(KindAudit, "audit append failed", err)
}

func Unavailable(msg string) *Error { return newErr(KindUnavailable, msg, nil) }

func Internal(msg string, err error) *Error {
	return newErr(KindInternal, msg, err)
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
