package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
)

func TestComputeRoot_Deterministic(t *testing.T) {
	a := ComputeRoot("orders", "order-42")
	b := ComputeRoot("orders", "order-42")
	assert.Equal(t, a, b)
}

func TestComputeRoot_DistinctForDifferentDomainOrKey(t *testing.T) {
	base := ComputeRoot("orders", "order-42")
	assert.NotEqual(t, base, ComputeRoot("billing", "order-42"))
	assert.NotEqual(t, base, ComputeRoot("orders", "order-43"))
}

func TestComputeRoot_IsVersion5(t *testing.T) {
	id := ComputeRoot("orders", "order-42")
	assert.Equal(t, uuid.Version(5), id.Version())
}

func TestToProto_FromProto_RoundTrips(t *testing.T) {
	id := ComputeRoot("orders", "order-42")
	proto := ToProto(id)
	assert.Len(t, proto.GetValue(), 16)

	got, err := FromProto(proto)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestFromProto_ErrorsOnWrongLength(t *testing.T) {
	_, err := FromProto(&angzarrpb.UUID{Value: []byte{1, 2, 3}})
	require.Error(t, err)
}
