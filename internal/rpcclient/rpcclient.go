// Package rpcclient dials the external domain-logic services (aggregate,
// projector, saga, process manager, upcaster) and wraps each generated
// gRPC client stub in a thin adapter matching the coordinator package's
// narrower interfaces (no variadic grpc.CallOption, no connection
// lifecycle).
//
// Grounded on client/go/client.go's AggregateClient/QueryClient pattern:
// grpc.NewClient over insecure transport credentials, one small wrapper
// struct per service holding the generated client and the connection it
// owns.
package rpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/rpcserver"
)

// dial opens an unauthenticated gRPC connection to endpoint, converting
// unix-socket paths the same way rpcserver.FormatEndpoint does for the
// listening side.
func dial(endpoint string) (*grpc.ClientConn, error) {
	return grpc.NewClient(rpcserver.FormatEndpoint(endpoint), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Aggregate wraps AggregateServiceClient (domain.proto), satisfying
// coordinator.AggregateClient and query.AggregateClient.
type Aggregate struct {
	inner angzarrpb.AggregateServiceClient
	conn  *grpc.ClientConn
}

// NewAggregate dials endpoint and returns a ready Aggregate client.
func NewAggregate(endpoint string) (*Aggregate, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &Aggregate{inner: angzarrpb.NewAggregateServiceClient(conn), conn: conn}, nil
}

func (a *Aggregate) Handle(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
	return a.inner.Handle(ctx, in)
}

func (a *Aggregate) Replay(ctx context.Context, in *angzarrpb.ReplayRequest) (*angzarrpb.ReplayResponse, error) {
	return a.inner.Replay(ctx, in)
}

func (a *Aggregate) MergeStrategyOf(ctx context.Context, in *angzarrpb.DescribeRequest) (*angzarrpb.MergeStrategyResponse, error) {
	return a.inner.MergeStrategyOf(ctx, in)
}

func (a *Aggregate) Close() error { return a.conn.Close() }

// Projector wraps ProjectorServiceClient, satisfying coordinator.ProjectorClient
// and query.ProjectorClient.
type Projector struct {
	inner angzarrpb.ProjectorServiceClient
	conn  *grpc.ClientConn
}

func NewProjector(endpoint string) (*Projector, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &Projector{inner: angzarrpb.NewProjectorServiceClient(conn), conn: conn}, nil
}

func (p *Projector) Project(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
	return p.inner.Project(ctx, in)
}

func (p *Projector) Close() error { return p.conn.Close() }

// Saga wraps SagaServiceClient, satisfying coordinator.SagaClient.
type Saga struct {
	inner angzarrpb.SagaServiceClient
	conn  *grpc.ClientConn
}

func NewSaga(endpoint string) (*Saga, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &Saga{inner: angzarrpb.NewSagaServiceClient(conn), conn: conn}, nil
}

func (s *Saga) Prepare(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error) {
	return s.inner.Prepare(ctx, in)
}

func (s *Saga) Execute(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error) {
	return s.inner.Execute(ctx, in)
}

func (s *Saga) Close() error { return s.conn.Close() }

// ProcessManager wraps ProcessManagerServiceClient, satisfying
// coordinator.ProcessManagerClient.
type ProcessManager struct {
	inner angzarrpb.ProcessManagerServiceClient
	conn  *grpc.ClientConn
}

func NewProcessManager(endpoint string) (*ProcessManager, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &ProcessManager{inner: angzarrpb.NewProcessManagerServiceClient(conn), conn: conn}, nil
}

func (m *ProcessManager) Prepare(ctx context.Context, in *angzarrpb.ProcessManagerPrepareRequest) (*angzarrpb.ProcessManagerPrepareResponse, error) {
	return m.inner.Prepare(ctx, in)
}

func (m *ProcessManager) Handle(ctx context.Context, in *angzarrpb.ProcessManagerHandleRequest) (*angzarrpb.ProcessManagerHandleResponse, error) {
	return m.inner.Handle(ctx, in)
}

func (m *ProcessManager) Close() error { return m.conn.Close() }

// Upcaster wraps UpcasterServiceClient, satisfying upcaster.Client.
type Upcaster struct {
	inner angzarrpb.UpcasterServiceClient
	conn  *grpc.ClientConn
}

func NewUpcaster(endpoint string) (*Upcaster, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &Upcaster{inner: angzarrpb.NewUpcasterServiceClient(conn), conn: conn}, nil
}

func (u *Upcaster) Upcast(ctx context.Context, in *angzarrpb.UpcastRequest) (*angzarrpb.UpcastResponse, error) {
	return u.inner.Upcast(ctx, in)
}

func (u *Upcaster) Close() error { return u.conn.Close() }

// Coordinator wraps AggregateCoordinatorServiceClient, satisfying
// coordinator.CoordinatorClient for RemoteRouter-based deployments where a
// domain's coordinator lives in a different process than the one routing
// to it.
type Coordinator struct {
	inner angzarrpb.AggregateCoordinatorServiceClient
	conn  *grpc.ClientConn
}

func NewCoordinator(endpoint string) (*Coordinator, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &Coordinator{inner: angzarrpb.NewAggregateCoordinatorServiceClient(conn), conn: conn}, nil
}

func (c *Coordinator) SubmitCommand(ctx context.Context, in *angzarrpb.SubmitCommandRequest) (*angzarrpb.SubmitCommandResponse, error) {
	return c.inner.SubmitCommand(ctx, in)
}

func (c *Coordinator) Close() error { return c.conn.Close() }
