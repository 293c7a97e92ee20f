package rpcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angzarr-io/angzarr/internal/angerr"
)

func TestToStatus_Nil(t *testing.T) {
	assert.NoError(t, ToStatus(nil))
}

func TestToStatus_MapsEveryKnownKind(t *testing.T) {
	cases := []struct {
		kind angerr.Kind
		want codes.Code
	}{
		{angerr.ConcurrencyConflict, codes.Aborted},
		{angerr.StorageUnavailable, codes.Unavailable},
		{angerr.StorageCorrupt, codes.DataLoss},
		{angerr.DomainLogicUnavailable, codes.Unavailable},
		{angerr.DomainLogicRejection, codes.FailedPrecondition},
		{angerr.InvalidCommand, codes.InvalidArgument},
		{angerr.UpcastFailure, codes.Internal},
		{angerr.CascadeDepthExceeded, codes.ResourceExhausted},
		{angerr.CascadeCycleDetected, codes.FailedPrecondition},
		{angerr.DeadlineExceeded, codes.DeadlineExceeded},
		{angerr.PositionRegression, codes.FailedPrecondition},
	}
	for _, c := range cases {
		err := ToStatus(angerr.New(c.kind, "boom"))
		s, ok := status.FromError(err)
		require.True(t, ok)
		assert.Equal(t, c.want, s.Code(), "kind %s", c.kind)
	}
}

func TestToStatus_NonCoordinatorErrorMapsToInternal(t *testing.T) {
	err := ToStatus(errors.New("some plain error"))
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, s.Code())
}

func TestToStatus_PreservesCauseInMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := ToStatus(angerr.Wrap(angerr.StorageUnavailable, "append failed", cause))
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Contains(t, s.Message(), "disk full")
}
