package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/bus"
)

type fakeProjectorClient struct {
	project func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error)
}

func (f *fakeProjectorClient) Project(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
	return f.project(ctx, in)
}

func patternFor(domain string) bus.Pattern {
	return bus.Pattern{Domain: domain}
}

func TestProjectorCoordinator_Dispatch_InvokesMatchingProjectors(t *testing.T) {
	deps := testDeps(t)
	var got []*angzarrpb.EventPage
	client := &fakeProjectorClient{
		project: func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
			got = append(got, in.GetEvents().GetPages()...)
			return &angzarrpb.ProjectResponse{Projection: &angzarrpb.Projection{Projector: "orders-summary"}}, nil
		},
	}
	p := NewProjectorCoordinator(deps)
	p.Register(ProjectorConfig{Name: "orders-summary", Pattern: patternFor("orders"), Client: client})

	cover := testCover("orders", 0x01)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	out, err := p.Dispatch(context.Background(), cover, pages)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "orders-summary", out[0].GetProjector())
	assert.Len(t, got, 1)
}

func TestProjectorCoordinator_Dispatch_SkipsNonMatchingPattern(t *testing.T) {
	deps := testDeps(t)
	called := false
	client := &fakeProjectorClient{
		project: func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
			called = true
			return &angzarrpb.ProjectResponse{}, nil
		},
	}
	p := NewProjectorCoordinator(deps)
	p.Register(ProjectorConfig{Name: "billing-summary", Pattern: patternFor("billing"), Client: client})

	cover := testCover("orders", 0x01)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	out, err := p.Dispatch(context.Background(), cover, pages)
	require.NoError(t, err)
	assert.Len(t, out, 0)
	assert.False(t, called)
}

func TestProjectorCoordinator_Dispatch_IdempotentSkipAlreadyProcessed(t *testing.T) {
	deps := testDeps(t)
	calls := 0
	client := &fakeProjectorClient{
		project: func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
			calls++
			return &angzarrpb.ProjectResponse{Projection: &angzarrpb.Projection{Projector: "orders-summary"}}, nil
		},
	}
	p := NewProjectorCoordinator(deps)
	p.Register(ProjectorConfig{Name: "orders-summary", Pattern: patternFor("orders"), Client: client})

	cover := testCover("orders", 0x02)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	_, err := p.Dispatch(context.Background(), cover, pages)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Same page, same sequence: already-recorded position means a replayed
	// delivery must be skipped rather than re-invoking the projector.
	_, err = p.Dispatch(context.Background(), cover, pages)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "an already-processed sequence must be skipped, not re-dispatched")
}

func TestProjectorCoordinator_Dispatch_StallsAfterRetryExhaustion(t *testing.T) {
	deps := testDeps(t)
	calls := 0
	client := &fakeProjectorClient{
		project: func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
			calls++
			return nil, assert.AnError
		},
	}
	p := NewProjectorCoordinator(deps)
	p.Register(ProjectorConfig{Name: "orders-summary", Pattern: patternFor("orders"), Client: client})

	cover := testCover("orders", 0x03)
	pages := []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}

	_, err := p.Dispatch(context.Background(), cover, pages)
	require.Error(t, err)
	assert.Equal(t, maxProjectorRetries+1, calls)

	key, err := streamKeyOf(cover)
	require.NoError(t, err)
	assert.True(t, p.IsStalled("orders-summary", key))
}

func TestProjectorCoordinator_Dispatch_ClearsStalledOnSubsequentSuccess(t *testing.T) {
	deps := testDeps(t)
	fail := true
	client := &fakeProjectorClient{
		project: func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
			if fail {
				return nil, assert.AnError
			}
			return &angzarrpb.ProjectResponse{Projection: &angzarrpb.Projection{Projector: "orders-summary"}}, nil
		},
	}
	p := NewProjectorCoordinator(deps)
	p.Register(ProjectorConfig{Name: "orders-summary", Pattern: patternFor("orders"), Client: client})

	cover := testCover("orders", 0x04)
	key, err := streamKeyOf(cover)
	require.NoError(t, err)

	_, err = p.Dispatch(context.Background(), cover, []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}})
	require.Error(t, err)
	assert.True(t, p.IsStalled("orders-summary", key))

	fail = false
	_, err = p.Dispatch(context.Background(), cover, []*angzarrpb.EventPage{{Event: anyOf("orders.v1.OrderConfirmed"), Sequence: 1}})
	require.NoError(t, err)
	assert.False(t, p.IsStalled("orders-summary", key))
}

func TestProjectorCoordinator_StartSubscriptions_DispatchesViaBus(t *testing.T) {
	deps := testDeps(t)
	calls := make(chan struct{}, 1)
	client := &fakeProjectorClient{
		project: func(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error) {
			calls <- struct{}{}
			return &angzarrpb.ProjectResponse{Projection: &angzarrpb.Projection{Projector: "orders-summary"}}, nil
		},
	}
	p := NewProjectorCoordinator(deps)
	p.Register(ProjectorConfig{Name: "orders-summary", Pattern: patternFor("orders"), Client: client})
	require.NoError(t, p.StartSubscriptions())

	cover := testCover("orders", 0x05)
	env := &bus.EventEnvelope{Cover: cover, Page: &angzarrpb.EventPage{Event: anyOf("orders.v1.OrderPlaced"), Sequence: 0}}
	require.NoError(t, deps.Bus.PublishEvent(context.Background(), env))

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected projector to be dispatched via the bus subscription")
	}
}
