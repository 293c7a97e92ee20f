package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/telemetry"
)

// SagaClient is the subset of the generated SagaServiceClient the
// coordinator calls.
type SagaClient interface {
	Prepare(ctx context.Context, in *angzarrpb.SagaPrepareRequest) (*angzarrpb.SagaPrepareResponse, error)
	Execute(ctx context.Context, in *angzarrpb.SagaExecuteRequest) (*angzarrpb.SagaResponse, error)
}

// SagaConfig binds one configured saga (spec §6 sagas[*]: name, source
// subscription, destination domain, endpoint).
type SagaConfig struct {
	Name          string
	SourcePattern bus.Pattern
	Client        SagaClient
}

// SagaCoordinator implements C6: the two-phase (Prepare/Execute)
// event-to-command translation described in spec §4.6. Sagas are
// stateless -- the coordinator holds no per-saga state across calls,
// correctness of replay depends on that.
type SagaCoordinator struct {
	Deps
	router Router

	mu    sync.Mutex
	sagas []SagaConfig
}

// NewSagaCoordinator builds an empty coordinator. router is used for both
// the async (fire-and-forget) and sync (CASCADE, awaited) command routing
// paths -- only whether the caller awaits the result differs.
func NewSagaCoordinator(d Deps, router Router) *SagaCoordinator {
	return &SagaCoordinator{Deps: d, router: router}
}

// Register adds cfg to the set of sagas this coordinator drives.
func (s *SagaCoordinator) Register(cfg SagaConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas = append(s.sagas, cfg)
}

// StartSubscriptions wires every registered saga's source pattern to the
// bus for the ordinary (non-CASCADE) async path -- matches spec's "Saga
// coordinator is invoked asynchronously" default for SYNC_MODE_NONE/SIMPLE.
func (s *SagaCoordinator) StartSubscriptions() error {
	s.mu.Lock()
	sagas := append([]SagaConfig(nil), s.sagas...)
	s.mu.Unlock()

	for _, cfg := range sagas {
		cfg := cfg
		_, err := s.Bus.Subscribe(cfg.SourcePattern, func(ctx context.Context, env *bus.EventEnvelope) error {
			_, err := s.runOne(ctx, cfg, env.Cover, []*angzarrpb.EventPage{env.Page}, false)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DispatchAsync fire-and-forgets every matching registered saga against
// pages, logging (not surfacing) failures -- called from a detached
// goroutine by the aggregate coordinator for SYNC_MODE_NONE/SIMPLE.
func (s *SagaCoordinator) DispatchAsync(ctx context.Context, source *angzarrpb.Cover, pages []*angzarrpb.EventPage) {
	s.mu.Lock()
	sagas := append([]SagaConfig(nil), s.sagas...)
	s.mu.Unlock()
	for _, cfg := range sagas {
		if !matchesAny(cfg.SourcePattern, source.GetDomain(), pages) {
			continue
		}
		if _, err := s.runOne(ctx, cfg, source, pages, false); err != nil {
			s.Log.Warn("async saga dispatch failed", zap.String("saga", cfg.Name), zap.Error(err))
		}
	}
}

// DispatchSync runs every matching registered saga against pages and
// awaits the routed commands' responses, returning the union of events
// those responses produced -- the SYNC_MODE_CASCADE path (spec §4.4 step
// 8, §4.6).
func (s *SagaCoordinator) DispatchSync(ctx context.Context, source *angzarrpb.Cover, pages []*angzarrpb.EventPage, router Router) ([]*angzarrpb.EventPage, error) {
	ctx, span := telemetry.StartSpan(ctx, s.Tracer, "saga.dispatch_sync")
	defer span.End()

	s.mu.Lock()
	sagas := append([]SagaConfig(nil), s.sagas...)
	s.mu.Unlock()

	var union []*angzarrpb.EventPage
	for _, cfg := range sagas {
		if !matchesAny(cfg.SourcePattern, source.GetDomain(), pages) {
			continue
		}
		responses, err := s.runOne(ctx, cfg, source, pages, true)
		if err != nil {
			return union, err
		}
		for _, r := range responses {
			union = append(union, r.GetEvents()...)
		}
	}
	return union, nil
}

func matchesAny(pattern bus.Pattern, domain string, pages []*angzarrpb.EventPage) bool {
	for _, p := range pages {
		if pattern.Matches(domain, p.GetEvent().GetTypeUrl()) {
			return true
		}
	}
	return false
}

// runOne implements the two-phase protocol of spec §4.6: Prepare to learn
// destination Covers, load each destination's current EventBook, Execute
// to get the commands to emit, validate the saga stamped each command's
// sequence against its destination's length, then route every command
// through router. await controls whether routing responses are collected
// (true for the sync/CASCADE path).
func (s *SagaCoordinator) runOne(ctx context.Context, cfg SagaConfig, source *angzarrpb.Cover, pages []*angzarrpb.EventPage, await bool) ([]*angzarrpb.CommandResponse, error) {
	sourceBook := &angzarrpb.EventBook{Cover: source, Pages: pages}

	prep, err := cfg.Client.Prepare(ctx, &angzarrpb.SagaPrepareRequest{Source: sourceBook})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "saga Prepare RPC failed", err)
	}

	destinations := make([]*angzarrpb.EventBook, 0, len(prep.GetDestinations()))
	for _, dc := range prep.GetDestinations() {
		key, err := streamKeyOf(dc)
		if err != nil {
			return nil, angerr.Wrap(angerr.InvalidCommand, "saga destination has invalid root", err)
		}
		destBook, err := s.Store.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		destBook.Cover = dc
		destinations = append(destinations, destBook)
	}

	exec, err := cfg.Client.Execute(ctx, &angzarrpb.SagaExecuteRequest{Source: sourceBook, Destinations: destinations})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "saga Execute RPC failed", err)
	}

	destLen := make(map[string]uint32, len(destinations))
	for _, d := range destinations {
		destLen[streamKeyString(d.GetCover())] = uint32(len(d.GetPages()))
	}

	var responses []*angzarrpb.CommandResponse
	for _, cmd := range exec.GetCommands() {
		want, ok := destLen[streamKeyString(cmd.GetCover())]
		if ok && cmd.GetExpectedSequence() != want {
			return responses, angerr.New(angerr.InvalidCommand,
				"saga-emitted command sequence does not match destination length")
		}
		markSagaOrigin(cmd, cfg.Name)
		mode := angzarrpb.SyncMode_SYNC_MODE_NONE
		if await {
			mode = angzarrpb.SyncMode_SYNC_MODE_CASCADE
		}
		resp, err := s.router.Route(ctx, cmd, mode)
		if err != nil {
			if !await {
				s.Log.Warn("saga-emitted async command routing failed",
					zap.String("saga", cfg.Name), zap.Error(err))
				continue
			}
			return responses, err
		}
		// The saga coordinator is the only place that knows both the
		// destination's rejection and the source cover the saga translated
		// it from, so compensation routing happens here rather than inside
		// the destination's own coordinator (spec §4.8).
		if rej := resp.GetRejection(); rej != nil && rej.GetCode() != angzarrpb.RevocationAction_REVOCATION_ACTION_ABORT.String() {
			notif := &angzarrpb.Notification{Cover: source, Kind: "rejection"}
			if payload, perr := anypb.New(rej); perr == nil {
				notif.Payload = payload
			}
			if err := routeNotification(ctx, notif, s.router, s.Bus, s.Cfg.MaxCascadeDepth, s.Metrics); err != nil {
				s.Log.Warn("failed to route saga compensation notification upstream",
					zap.String("saga", cfg.Name), zap.Error(err))
			}
		}
		if await {
			responses = append(responses, resp)
		}
	}
	return responses, nil
}

// markSagaOrigin stamps every page of cmd with saga name so the
// compensation channel (C8) can route a rejection back to the saga that
// produced the command, per spec §4.8.
func markSagaOrigin(cmd *angzarrpb.CommandBook, sagaName string) {
	for _, p := range cmd.GetPages() {
		if p.GetSagaOrigin() == "" {
			p.SagaOrigin = sagaName
		}
	}
}
