// Package rpcerr maps the coordinator's internal error taxonomy
// (internal/angerr) onto gRPC status codes at the service boundary.
//
// Grounded on examples/go/angzarr/grpc_errors.go's MapCommandError, which
// does the same translation for the older non-generic example SDK.
package rpcerr

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angzarr-io/angzarr/internal/angerr"
)

var kindToCode = map[angerr.Kind]codes.Code{
	angerr.ConcurrencyConflict:    codes.Aborted,
	angerr.StorageUnavailable:     codes.Unavailable,
	angerr.StorageCorrupt:         codes.DataLoss,
	angerr.DomainLogicUnavailable: codes.Unavailable,
	angerr.DomainLogicRejection:   codes.FailedPrecondition,
	angerr.InvalidCommand:         codes.InvalidArgument,
	angerr.UpcastFailure:          codes.Internal,
	angerr.CascadeDepthExceeded:   codes.ResourceExhausted,
	angerr.CascadeCycleDetected:   codes.FailedPrecondition,
	angerr.DeadlineExceeded:       codes.DeadlineExceeded,
	angerr.PositionRegression:     codes.FailedPrecondition,
}

// ToStatus converts err into a gRPC status error. Non-CoordinatorError
// values are wrapped as Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	ce := angerr.As(err)
	if ce == nil {
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
	code, ok := kindToCode[ce.Kind]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, ce.Error())
}
