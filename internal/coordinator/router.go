package coordinator

import (
	"context"
	"sync"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// LocalRouter routes directly to in-process *AggregateCoordinator
// instances -- the standalone deployment shape (spec §1: "a single-process
// standalone mode").
type LocalRouter struct {
	mu           sync.RWMutex
	coordinators map[string]*AggregateCoordinator
}

// NewLocalRouter builds an empty router; coordinators register themselves
// with Bind once constructed (they need the router to hand to their own
// cascade plumbing, and the router needs them, so neither can be fully
// built before the other without this two-step wiring).
func NewLocalRouter() *LocalRouter {
	return &LocalRouter{coordinators: make(map[string]*AggregateCoordinator)}
}

// Bind registers c as the owner of domain.
func (r *LocalRouter) Bind(domain string, c *AggregateCoordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coordinators[domain] = c
}

// Lookup returns the coordinator bound to domain, if any -- used by
// cmd/coordinator to register each bound coordinator's gRPC service
// without keeping a second map alongside the router's own.
func (r *LocalRouter) Lookup(domain string) (*AggregateCoordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[domain]
	return c, ok
}

func (r *LocalRouter) Route(ctx context.Context, book *angzarrpb.CommandBook, mode angzarrpb.SyncMode) (*angzarrpb.CommandResponse, error) {
	r.mu.RLock()
	c, ok := r.coordinators[book.GetCover().GetDomain()]
	r.mu.RUnlock()
	if !ok {
		return nil, angerr.New(angerr.DomainLogicUnavailable,
			"no aggregate coordinator bound for domain "+book.GetCover().GetDomain())
	}
	return c.handle(ctx, &angzarrpb.SyncCommandBook{CommandBook: book, SyncMode: mode})
}

var _ Router = (*LocalRouter)(nil)

// CoordinatorClient is the generated client stub for
// AggregateCoordinatorService, the subset RemoteRouter calls.
type CoordinatorClient interface {
	SubmitCommand(ctx context.Context, in *angzarrpb.SubmitCommandRequest) (*angzarrpb.SubmitCommandResponse, error)
}

// RemoteRouter routes across process boundaries via each target domain's
// AggregateCoordinatorService endpoint -- the sidecar-per-component
// distributed shape. Per spec §1 ("must behave identically modulo
// transport and storage choice"), it implements the exact same Router
// interface as LocalRouter.
type RemoteRouter struct {
	mu      sync.RWMutex
	clients map[string]CoordinatorClient
}

// NewRemoteRouter builds a router over a fixed domain -> client map (built
// once from config.Aggregates endpoints at startup).
func NewRemoteRouter(clients map[string]CoordinatorClient) *RemoteRouter {
	return &RemoteRouter{clients: clients}
}

func (r *RemoteRouter) Route(ctx context.Context, book *angzarrpb.CommandBook, mode angzarrpb.SyncMode) (*angzarrpb.CommandResponse, error) {
	r.mu.RLock()
	client, ok := r.clients[book.GetCover().GetDomain()]
	r.mu.RUnlock()
	if !ok {
		return nil, angerr.New(angerr.DomainLogicUnavailable,
			"no coordinator client configured for domain "+book.GetCover().GetDomain())
	}
	resp, err := client.SubmitCommand(ctx, &angzarrpb.SubmitCommandRequest{
		Command: &angzarrpb.SyncCommandBook{CommandBook: book, SyncMode: mode},
	})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "remote SubmitCommand failed", err)
	}
	return resp.GetResponse(), nil
}

var _ Router = (*RemoteRouter)(nil)
