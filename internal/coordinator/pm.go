package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/identity"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
)

// ProcessManagerClient is the subset of the generated
// ProcessManagerServiceClient the coordinator calls.
type ProcessManagerClient interface {
	Prepare(ctx context.Context, in *angzarrpb.ProcessManagerPrepareRequest) (*angzarrpb.ProcessManagerPrepareResponse, error)
	Handle(ctx context.Context, in *angzarrpb.ProcessManagerHandleRequest) (*angzarrpb.ProcessManagerHandleResponse, error)
}

// PmConfig binds one configured process manager (spec §6
// process_managers[*]: name, multi-domain subscriptions, endpoint).
type PmConfig struct {
	Name       string
	Patterns   []bus.Pattern // one per subscribed source domain
	Client     ProcessManagerClient
	HasPrepare bool // whether this PM uses the optional Prepare phase
}

// pmDomain is the synthetic storage domain a process manager's own event
// stream is stored under, namespaced by PM name so two PMs never collide.
func pmDomain(name string) string {
	return "pm:" + name
}

// ProcessManagerCoordinator implements C7: a saga-shaped translator that
// additionally carries its own durable state, keyed by correlation_id
// (spec §4.7 -- "For process managers, correlation_id is the aggregate
// root").
type ProcessManagerCoordinator struct {
	Deps
	router Router

	mu  sync.Mutex
	pms []PmConfig
}

// NewProcessManagerCoordinator builds an empty coordinator.
func NewProcessManagerCoordinator(d Deps, router Router) *ProcessManagerCoordinator {
	return &ProcessManagerCoordinator{Deps: d, router: router}
}

// Register adds cfg to the set of process managers this coordinator
// drives.
func (c *ProcessManagerCoordinator) Register(cfg PmConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pms = append(c.pms, cfg)
}

// StartSubscriptions wires every registered PM's source patterns to the
// bus.
func (c *ProcessManagerCoordinator) StartSubscriptions() error {
	c.mu.Lock()
	pms := append([]PmConfig(nil), c.pms...)
	c.mu.Unlock()

	for _, cfg := range pms {
		cfg := cfg
		for _, pattern := range cfg.Patterns {
			pattern := pattern
			_, err := c.Bus.Subscribe(pattern, func(ctx context.Context, env *bus.EventEnvelope) error {
				return c.HandleEvent(ctx, cfg, env.Cover, env.Page)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleEvent implements the per-inbound-event algorithm of spec §4.7.
func (c *ProcessManagerCoordinator) HandleEvent(ctx context.Context, cfg PmConfig, source *angzarrpb.Cover, trigger *angzarrpb.EventPage) error {
	ctx, span := telemetry.StartSpan(ctx, c.Tracer, "pm.handle_event")
	defer span.End()

	if source.GetCorrelationId() == "" {
		// Routing-layer guard (spec §4.7): events lacking correlation_id
		// cannot be attributed to a PM instance, so they're dropped here
		// rather than reaching domain code.
		return nil
	}

	pmKey := storage.StreamKey{Domain: pmDomain(cfg.Name)}
	root := identity.ComputeRoot(pmDomain(cfg.Name), source.GetCorrelationId())
	copy(pmKey.Root[:], root[:])
	pmCover := &angzarrpb.Cover{Domain: pmDomain(cfg.Name), Root: identity.ToProto(root), CorrelationId: source.GetCorrelationId()}

	state, err := c.Store.Load(ctx, pmKey)
	if err != nil {
		return err
	}
	state.Cover = pmCover

	triggerBook := &angzarrpb.EventBook{Cover: source, Pages: []*angzarrpb.EventPage{trigger}}

	var destinations []*angzarrpb.EventBook
	if cfg.HasPrepare {
		prep, err := cfg.Client.Prepare(ctx, &angzarrpb.ProcessManagerPrepareRequest{Trigger: triggerBook, ProcessState: state})
		if err != nil {
			return angerr.Wrap(angerr.DomainLogicUnavailable, "process manager Prepare RPC failed", err)
		}
		for _, dc := range prep.GetDestinations() {
			dKey, err := streamKeyOf(dc)
			if err != nil {
				return angerr.Wrap(angerr.InvalidCommand, "process manager destination has invalid root", err)
			}
			dBook, err := c.Store.Load(ctx, dKey)
			if err != nil {
				return err
			}
			dBook.Cover = dc
			destinations = append(destinations, dBook)
		}
	}

	resp, err := cfg.Client.Handle(ctx, &angzarrpb.ProcessManagerHandleRequest{Trigger: triggerBook, ProcessState: state, Destinations: destinations})
	if err != nil {
		return angerr.Wrap(angerr.DomainLogicUnavailable, "process manager Handle RPC failed", err)
	}

	if n := resp.GetNotification(); n != nil {
		return routeNotification(ctx, n, c.router, c.Bus, c.Cfg.MaxCascadeDepth, c.Metrics)
	}

	if newEvents := resp.GetPmEvents().GetPages(); len(newEvents) > 0 {
		expected := uint32(len(state.GetPages()))
		stamped := stampPages(newEvents, expected)
		appended, err := c.Store.Append(ctx, pmKey, stamped, expected, false)
		if err != nil {
			return err
		}
		for _, p := range appended {
			if err := c.Bus.PublishEvent(ctx, &bus.EventEnvelope{Cover: pmCover, Page: p}); err != nil {
				c.Log.Warn("pm event publish failed", zap.String("pm", cfg.Name), zap.Error(err))
			}
		}
	}

	destLen := make(map[string]uint32, len(destinations))
	for _, d := range destinations {
		destLen[streamKeyString(d.GetCover())] = uint32(len(d.GetPages()))
	}

	for _, cmd := range resp.GetCommands() {
		if want, ok := destLen[streamKeyString(cmd.GetCover())]; ok && cmd.GetExpectedSequence() != want {
			return angerr.New(angerr.InvalidCommand, "process-manager-emitted command sequence does not match destination length")
		}
		markSagaOrigin(cmd, cfg.Name)
		cmdResp, err := c.router.Route(ctx, cmd, angzarrpb.SyncMode_SYNC_MODE_NONE)
		if err != nil {
			c.Log.Warn("process-manager-emitted command routing failed", zap.String("pm", cfg.Name), zap.Error(err))
			continue
		}
		// As with sagas (see saga.go), the process-manager coordinator is
		// where the destination's rejection and the originating PM state
		// are both known, so the rejection routes back to the PM's own
		// cover, where a registered rejection handler can react (§4.8).
		if rej := cmdResp.GetRejection(); rej != nil && rej.GetCode() != angzarrpb.RevocationAction_REVOCATION_ACTION_ABORT.String() {
			notif := &angzarrpb.Notification{Cover: pmCover, Kind: "rejection"}
			if payload, perr := anypb.New(rej); perr == nil {
				notif.Payload = payload
			}
			if err := routeNotification(ctx, notif, c.router, c.Bus, c.Cfg.MaxCascadeDepth, c.Metrics); err != nil {
				c.Log.Warn("failed to route process-manager compensation notification upstream",
					zap.String("pm", cfg.Name), zap.Error(err))
			}
		}
	}
	return nil
}
