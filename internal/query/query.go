// Package query implements the read-side services (C9): event retrieval and
// live tailing (EventQueryService), plus speculative/dry-run execution
// against domain logic without mutating coordinator-owned state
// (SpeculativeService, SPEC_FULL Part D.1).
//
// This package depends on internal/storage and internal/upcaster (plus the
// shared angerr, bus and telemetry packages) -- never on
// internal/coordinator -- so the query surface can be exposed from
// the same binary or a read-only replica without pulling in write-path
// machinery.
package query

import (
	"context"
	"sync"

	"go.uber.org/zap"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
	"github.com/angzarr-io/angzarr/internal/upcaster"
)

func streamKeyOf(cover *angzarrpb.Cover) (storage.StreamKey, error) {
	var key storage.StreamKey
	key.Domain = cover.GetDomain()
	root := cover.GetRoot().GetValue()
	if len(root) != 0 && len(root) != 16 {
		return key, angerr.New(angerr.InvalidCommand, "root must be 16 bytes")
	}
	copy(key.Root[:], root)
	return key, nil
}

// EventQueryServer implements EventQueryService (spec §4.1's read path: a
// Query selects a slice of one Cover's stream by range or temporal cut;
// Subscribe live-tails a domain going forward).
type EventQueryServer struct {
	angzarrpb.UnimplementedEventQueryServiceServer

	Store     storage.Store
	Upcasters *upcaster.Pipeline
	Bus       bus.Bus
	Tracer    oteltrace.TracerProvider
	Log       *zap.Logger
}

// GetEvents resolves req.Query (sequence range or as-of cut) against the
// store, upcasts the result to the current schema, and streams pages back
// in sequence order.
func (s *EventQueryServer) GetEvents(req *angzarrpb.GetEventsRequest, stream angzarrpb.EventQueryService_GetEventsServer) error {
	ctx, span := telemetry.StartSpan(stream.Context(), s.Tracer, "query.get_events")
	defer span.End()

	q := req.GetQuery()
	cover := q.GetCover()
	key, err := streamKeyOf(cover)
	if err != nil {
		return err
	}

	var pages []*angzarrpb.EventPage
	switch sel := q.GetSelection().(type) {
	case *angzarrpb.Query_Range:
		pages, err = s.Store.LoadRange(ctx, key, sel.Range.GetFrom(), sel.Range.GetTo())
	case *angzarrpb.Query_Temporal:
		switch t := sel.Temporal.GetSelector().(type) {
		case *angzarrpb.TemporalQuery_AsOfSequence:
			pages, err = s.Store.LoadAsOfSequence(ctx, key, t.AsOfSequence)
		case *angzarrpb.TemporalQuery_AsOfTime:
			// Resolve to the book's sequence at or before that timestamp by
			// loading the full stream and filtering -- stores index by
			// sequence, not wall-clock time, so this is a scan rather than
			// an indexed lookup.
			book, loadErr := s.Store.Load(ctx, key)
			if loadErr != nil {
				return loadErr
			}
			cutoff := t.AsOfTime.AsTime()
			for _, p := range book.GetPages() {
				if p.GetRecordedAt() != nil && p.GetRecordedAt().AsTime().After(cutoff) {
					break
				}
				pages = append(pages, p)
			}
		}
	default:
		book, loadErr := s.Store.Load(ctx, key)
		if loadErr != nil {
			return loadErr
		}
		pages = book.GetPages()
	}
	if err != nil {
		return err
	}

	book := &angzarrpb.EventBook{Cover: cover, Pages: pages}
	upcast, err := s.Upcasters.ApplyBook(ctx, cover.GetDomain(), book)
	if err != nil {
		return err
	}
	for _, p := range upcast.GetPages() {
		if err := stream.Send(&angzarrpb.GetEventsResponse{Page: p}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe live-tails every event published for req.Domain matching
// req.Types, starting from req.FromSequence. Delivery stops when the
// client cancels the stream.
func (s *EventQueryServer) Subscribe(req *angzarrpb.SubscribeRequest, stream angzarrpb.EventQueryService_SubscribeServer) error {
	ctx := stream.Context()
	pattern := bus.Pattern{Domain: req.GetDomain(), Types: req.GetTypes()}

	errCh := make(chan error, 1)
	subID, err := s.Bus.Subscribe(pattern, func(_ context.Context, env *bus.EventEnvelope) error {
		if env.Page.GetSequence() < req.GetFromSequence() {
			return nil
		}
		if err := stream.Send(&angzarrpb.GetEventsResponse{Page: env.Page}); err != nil {
			select {
			case errCh <- err:
			default:
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer s.Bus.Unsubscribe(subID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// AggregateClient is the subset of domain-logic client the speculative
// DryRunCommand path needs -- identical in shape to
// coordinator.AggregateClient, kept as a separate, smaller interface here
// so this package never imports internal/coordinator.
type AggregateClient interface {
	Handle(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error)
}

// ProjectorClient mirrors coordinator.ProjectorClient.
type ProjectorClient interface {
	Project(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error)
}

// SagaClient mirrors coordinator.SagaClient's Execute half -- speculation
// never calls Prepare, since the caller supplies destinations directly.
type SagaClient interface {
	Execute(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error)
}

// ProcessManagerClient mirrors coordinator.ProcessManagerClient's Handle
// half, for the same reason.
type ProcessManagerClient interface {
	Handle(ctx context.Context, in *angzarrpb.ProcessManagerHandleRequest) (*angzarrpb.ProcessManagerHandleResponse, error)
}

// SpeculativeServer implements SpeculativeService (SPEC_FULL Part D.1):
// every method invokes domain logic against caller-supplied or
// store-loaded-but-never-appended state, so none of them touch Store.Append,
// Store.SetPosition, or the bus.
type SpeculativeServer struct {
	angzarrpb.UnimplementedSpeculativeServiceServer

	Store     storage.Store
	Upcasters *upcaster.Pipeline
	Tracer    oteltrace.TracerProvider

	mu         sync.RWMutex
	aggregates map[string]AggregateClient
	projectors map[string]ProjectorClient
	sagas      map[string]SagaClient
	pms        map[string]ProcessManagerClient
}

// NewSpeculativeServer builds an empty server; callers register domain
// clients via RegisterAggregate/RegisterProjector/RegisterSaga/RegisterPm
// before serving, the same way cmd/coordinator binds coordinators.
func NewSpeculativeServer(store storage.Store, up *upcaster.Pipeline, tracer oteltrace.TracerProvider) *SpeculativeServer {
	return &SpeculativeServer{
		Store:      store,
		Upcasters:  up,
		Tracer:     tracer,
		aggregates: make(map[string]AggregateClient),
		projectors: make(map[string]ProjectorClient),
		sagas:      make(map[string]SagaClient),
		pms:        make(map[string]ProcessManagerClient),
	}
}

func (s *SpeculativeServer) RegisterAggregate(domain string, c AggregateClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[domain] = c
}

func (s *SpeculativeServer) RegisterProjector(name string, c ProjectorClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectors[name] = c
}

func (s *SpeculativeServer) RegisterSaga(name string, c SagaClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas[name] = c
}

func (s *SpeculativeServer) RegisterPm(name string, c ProcessManagerClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pms[name] = c
}

// DryRunCommand runs §4.4 steps 1-4 (admission, load, upcast, invoke)
// against req.Command's target aggregate and returns the BusinessResponse
// verbatim -- never appending or publishing.
func (s *SpeculativeServer) DryRunCommand(ctx context.Context, req *angzarrpb.DryRunRequest) (*angzarrpb.DryRunResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, s.Tracer, "speculative.dry_run_command")
	defer span.End()

	cmd := req.GetCommand()
	cover := cmd.GetCover()
	s.mu.RLock()
	client, ok := s.aggregates[cover.GetDomain()]
	s.mu.RUnlock()
	if !ok {
		return nil, angerr.New(angerr.InvalidCommand, "no aggregate registered for domain "+cover.GetDomain())
	}

	key, err := streamKeyOf(cover)
	if err != nil {
		return nil, err
	}
	raw, err := s.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	raw.Cover = cover
	state, err := s.Upcasters.ApplyBook(ctx, cover.GetDomain(), raw)
	if err != nil {
		return nil, err
	}

	resp, err := client.Handle(ctx, &angzarrpb.HandleCommandRequest{State: state, Command: cmd})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "aggregate Handle RPC failed", err)
	}
	return &angzarrpb.DryRunResponse{Result: resp.GetResult()}, nil
}

// SpeculateProjector invokes projector logic against caller-supplied events
// without reading or advancing any position cursor.
func (s *SpeculativeServer) SpeculateProjector(ctx context.Context, req *angzarrpb.SpeculateProjectorRequest) (*angzarrpb.SpeculateProjectorResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, s.Tracer, "speculative.projector")
	defer span.End()

	s.mu.RLock()
	client, ok := s.projectors[req.GetProjector()]
	s.mu.RUnlock()
	if !ok {
		return nil, angerr.New(angerr.InvalidCommand, "no projector registered with name "+req.GetProjector())
	}
	resp, err := client.Project(ctx, &angzarrpb.ProjectRequest{Events: req.GetEvents()})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "projector Project RPC failed", err)
	}
	return &angzarrpb.SpeculateProjectorResponse{Projection: resp.GetProjection()}, nil
}

// SpeculateSaga invokes a saga's Execute phase against caller-supplied
// source and destination EventBooks, skipping Prepare entirely (the caller
// already chose the destinations) and never routing the resulting commands
// anywhere.
func (s *SpeculativeServer) SpeculateSaga(ctx context.Context, req *angzarrpb.SpeculateSagaRequest) (*angzarrpb.SpeculateSagaResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, s.Tracer, "speculative.saga")
	defer span.End()

	s.mu.RLock()
	client, ok := s.sagas[req.GetSaga()]
	s.mu.RUnlock()
	if !ok {
		return nil, angerr.New(angerr.InvalidCommand, "no saga registered with name "+req.GetSaga())
	}
	resp, err := client.Execute(ctx, &angzarrpb.SagaExecuteRequest{Source: req.GetSource(), Destinations: req.GetDestinations()})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "saga Execute RPC failed", err)
	}
	return &angzarrpb.SpeculateSagaResponse{Commands: resp.GetCommands()}, nil
}

// SpeculatePm invokes a process manager's Handle phase against
// caller-supplied trigger/state/destinations, never touching the PM's
// durable stream.
func (s *SpeculativeServer) SpeculatePm(ctx context.Context, req *angzarrpb.SpeculatePmRequest) (*angzarrpb.SpeculatePmResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, s.Tracer, "speculative.pm")
	defer span.End()

	s.mu.RLock()
	client, ok := s.pms[req.GetProcessManager()]
	s.mu.RUnlock()
	if !ok {
		return nil, angerr.New(angerr.InvalidCommand, "no process manager registered with name "+req.GetProcessManager())
	}
	resp, err := client.Handle(ctx, &angzarrpb.ProcessManagerHandleRequest{
		Trigger:      req.GetTrigger(),
		ProcessState: req.GetProcessState(),
		Destinations: req.GetDestinations(),
	})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "process manager Handle RPC failed", err)
	}
	return &angzarrpb.SpeculatePmResponse{Commands: resp.GetCommands(), PmEvents: resp.GetPmEvents()}, nil
}
