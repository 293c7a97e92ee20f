package rpcclient

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
)

// fakeAggregateServer is a real AggregateServiceServer served over a real
// TCP listener, so NewAggregate is exercised end-to-end (dial, wrap,
// invoke) rather than against a mocked generated client -- the thing this
// package adds over the generated stubs is exactly the dial/wrap step, so
// that's what needs a real server on the other end to prove out.
type fakeAggregateServer struct {
	angzarrpb.UnimplementedAggregateServiceServer
	handle func(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error)
}

func (f *fakeAggregateServer) Handle(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
	return f.handle(ctx, in)
}

func serveAggregate(t *testing.T, impl angzarrpb.AggregateServiceServer) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	angzarrpb.RegisterAggregateServiceServer(server, impl)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)
	return listener.Addr().String()
}

func TestAggregate_HandleRoundTrips(t *testing.T) {
	var received *angzarrpb.HandleCommandRequest
	addr := serveAggregate(t, &fakeAggregateServer{
		handle: func(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
			received = in
			return &angzarrpb.HandleCommandResponse{}, nil
		},
	})

	client, err := NewAggregate(addr)
	require.NoError(t, err)
	defer client.Close()

	req := &angzarrpb.HandleCommandRequest{Command: &angzarrpb.CommandBook{Cover: &angzarrpb.Cover{Domain: "orders"}}}
	_, err = client.Handle(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, "orders", received.GetCommand().GetCover().GetDomain())
}

func TestAggregate_DialsUnixSocketEndpointsViaFormatEndpoint(t *testing.T) {
	// NewAggregate/dial must route a filesystem-path endpoint through
	// rpcserver.FormatEndpoint (unix:// prefix) -- grpc.NewClient defers
	// the actual connection attempt, so a bogus path still returns a
	// usable (lazily-connecting) client rather than an error.
	client, err := NewAggregate("/tmp/angzarr-test-does-not-exist.sock")
	require.NoError(t, err)
	defer client.Close()
}

func TestNewProjectorSagaProcessManagerUpcasterCoordinator_DialSucceeds(t *testing.T) {
	// Each of these wrappers is a thin passthrough identical in shape to
	// Aggregate's; NewAggregate's round-trip test above is the
	// representative behavioral proof, so the rest only need to confirm
	// construction and Close don't error (grpc.NewClient never dials
	// eagerly).
	projector, err := NewProjector("localhost:0")
	require.NoError(t, err)
	assert.NoError(t, projector.Close())

	saga, err := NewSaga("localhost:0")
	require.NoError(t, err)
	assert.NoError(t, saga.Close())

	pm, err := NewProcessManager("localhost:0")
	require.NoError(t, err)
	assert.NoError(t, pm.Close())

	up, err := NewUpcaster("localhost:0")
	require.NoError(t, err)
	assert.NoError(t, up.Close())

	coord, err := NewCoordinator("localhost:0")
	require.NoError(t, err)
	assert.NoError(t, coord.Close())
}
