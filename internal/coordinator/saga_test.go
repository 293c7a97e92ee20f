package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

type fakeSagaClient struct {
	prepare func(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error)
	execute func(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error)
}

func (f *fakeSagaClient) Prepare(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error) {
	return f.prepare(ctx, in)
}

func (f *fakeSagaClient) Execute(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error) {
	return f.execute(ctx, in)
}

func TestSagaCoordinator_DispatchSync_HappyPath(t *testing.T) {
	deps := testDeps(t)
	billingCover := testCover("billing", 0x01)

	billingClient := &fakeAggregateClient{
		handle: func(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
			return eventsResponse("billing.v1.Charged"), nil
		},
	}
	router := NewLocalRouter()
	billing := NewAggregateCoordinator("billing", billingClient, router, nil, nil, deps)
	router.Bind("billing", billing)

	sagaClient := &fakeSagaClient{
		prepare: func(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error) {
			return &angzarrpb.SagaPrepareResponse{Destinations: []*angzarrpb.Cover{billingCover}}, nil
		},
		execute: func(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error) {
			require.Len(t, in.GetDestinations(), 1)
			cmd := testCommandBook(billingCover, "billing.v1.ChargeCard")
			return &angzarrpb.SagaResponse{Commands: []*angzarrpb.CommandBook{cmd}}, nil
		},
	}

	saga := NewSagaCoordinator(deps, router)
	saga.Register(SagaConfig{Name: "order-to-billing", SourcePattern: patternFor("orders"), Client: sagaClient})

	source := testCover("orders", 0x02)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	out, err := saga.DispatchSync(context.Background(), source, pages, router)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "billing.v1.Charged", out[0].GetEvent().GetTypeUrl())
}

func TestSagaCoordinator_RunOne_DestinationSequenceMismatchRejected(t *testing.T) {
	deps := testDeps(t)
	billingCover := testCover("billing", 0x03)

	// destination already has one page (length 1), but the saga stamps its
	// emitted command with expected_sequence 0 -- stale, must be rejected.
	key, err := streamKeyOf(billingCover)
	require.NoError(t, err)
	_, err = deps.Store.Append(context.Background(), key, []*angzarrpb.EventPage{{Event: anyOf("billing.v1.AccountOpened")}}, 0, false)
	require.NoError(t, err)

	router := NewLocalRouter()
	sagaClient := &fakeSagaClient{
		prepare: func(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error) {
			return &angzarrpb.SagaPrepareResponse{Destinations: []*angzarrpb.Cover{billingCover}}, nil
		},
		execute: func(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error) {
			cmd := testCommandBook(billingCover, "billing.v1.ChargeCard")
			return &angzarrpb.SagaResponse{Commands: []*angzarrpb.CommandBook{cmd}}, nil
		},
	}
	saga := NewSagaCoordinator(deps, router)
	saga.Register(SagaConfig{Name: "order-to-billing", SourcePattern: patternFor("orders"), Client: sagaClient})

	source := testCover("orders", 0x04)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	_, err = saga.DispatchSync(context.Background(), source, pages, router)
	require.Error(t, err)
	ce := angerr.As(err)
	require.NotNil(t, ce)
	assert.Equal(t, angerr.InvalidCommand, ce.Kind)
}

func TestSagaCoordinator_RunOne_NonAbortRejectionRoutesCompensationUpstream(t *testing.T) {
	deps := testDeps(t)
	billingCover := testCover("billing", 0x05)
	ordersCover := testCover("orders", 0x06)

	billingClient := &fakeAggregateClient{
		handle: func(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
			return revocationResponse(angzarrpb.RevocationAction_REVOCATION_ACTION_ESCALATE, "card declined"), nil
		},
	}
	var ordersReceived *angzarrpb.HandleCommandRequest
	ordersClient := &fakeAggregateClient{
		handle: func(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
			ordersReceived = in
			return eventsResponse("orders.v1.CompensationHandled"), nil
		},
	}
	router := NewLocalRouter()
	billing := NewAggregateCoordinator("billing", billingClient, router, nil, nil, deps)
	router.Bind("billing", billing)
	orders := NewAggregateCoordinator("orders", ordersClient, router, nil, nil, deps)
	router.Bind("orders", orders)

	sagaClient := &fakeSagaClient{
		prepare: func(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error) {
			return &angzarrpb.SagaPrepareResponse{Destinations: []*angzarrpb.Cover{billingCover}}, nil
		},
		execute: func(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error) {
			cmd := testCommandBook(billingCover, "billing.v1.ChargeCard")
			return &angzarrpb.SagaResponse{Commands: []*angzarrpb.CommandBook{cmd}}, nil
		},
	}
	saga := NewSagaCoordinator(deps, router)
	saga.Register(SagaConfig{Name: "order-to-billing", SourcePattern: patternFor("orders"), Client: sagaClient})

	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}
	_, err := saga.DispatchSync(context.Background(), ordersCover, pages, router)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ordersReceived != nil }, time.Second, time.Millisecond,
		"a non-ABORT rejection must route a compensation notification back to the source domain")
}

func TestSagaCoordinator_DispatchAsync_DoesNotPropagateSagaErrors(t *testing.T) {
	deps := testDeps(t)
	sagaClient := &fakeSagaClient{
		prepare: func(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error) {
			return nil, assert.AnError
		},
	}
	router := NewLocalRouter()
	saga := NewSagaCoordinator(deps, router)
	saga.Register(SagaConfig{Name: "order-to-billing", SourcePattern: patternFor("orders"), Client: sagaClient})

	source := testCover("orders", 0x07)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	// DispatchAsync has no return value to surface the failure through --
	// it must not panic even though Prepare fails.
	assert.NotPanics(t, func() { saga.DispatchAsync(context.Background(), source, pages) })
}

func TestMatchesAny(t *testing.T) {
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced")}}
	assert.True(t, matchesAny(patternFor("orders"), "orders", pages))
	assert.False(t, matchesAny(patternFor("billing"), "orders", pages))
}

func TestMarkSagaOrigin_DoesNotOverwriteExistingOrigin(t *testing.T) {
	cmd := &angzarrpb.CommandBook{
		Pages: []*angzarrpb.CommandPage{
			{Command: anyOf("billing.v1.ChargeCard"), SagaOrigin: "already-set"},
			{Command: anyOf("billing.v1.Refund")},
		},
	}
	markSagaOrigin(cmd, "order-to-billing")
	assert.Equal(t, "already-set", cmd.Pages[0].GetSagaOrigin())
	assert.Equal(t, "order-to-billing", cmd.Pages[1].GetSagaOrigin())
}
