package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
)

// ProjectorClient is the subset of the generated ProjectorServiceClient the
// coordinator calls.
type ProjectorClient interface {
	Project(ctx context.Context, in *angzarrpb.ProjectRequest) (*angzarrpb.ProjectResponse, error)
}

// ProjectorConfig binds one configured projector (spec §6
// projectors[*]: name, subscription pattern, endpoint, sync flag).
type ProjectorConfig struct {
	Name    string
	Pattern bus.Pattern
	Client  ProjectorClient
}

const maxProjectorRetries = 3

// ProjectorCoordinator implements C5: consumes events (via bus subscription
// for the ordinary async path, or a direct Dispatch call for the
// synchronous SIMPLE/CASCADE path), invokes projector logic, and persists
// the position cursor (never the projection payload -- spec §3
// Ownership).
type ProjectorCoordinator struct {
	Deps
	mu         sync.Mutex
	projectors []ProjectorConfig
	stalled    map[string]struct{} // "projector/domain/root" marked stalled after retry exhaustion
}

// NewProjectorCoordinator builds an empty coordinator; projectors register
// via Register before StartSubscriptions is called.
func NewProjectorCoordinator(d Deps) *ProjectorCoordinator {
	return &ProjectorCoordinator{Deps: d, stalled: make(map[string]struct{})}
}

// Register adds cfg to the set of projectors this coordinator drives.
func (p *ProjectorCoordinator) Register(cfg ProjectorConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectors = append(p.projectors, cfg)
}

// StartSubscriptions subscribes every registered projector to the bus so
// it also receives events through the ordinary asynchronous path -- the
// baseline delivery mechanism spec §4.5 describes; Dispatch (below) is the
// synchronous fast-path used by SIMPLE/CASCADE sync modes, and the two are
// safe to run concurrently because position advancement is monotonic and
// idempotent (spec invariant 3).
func (p *ProjectorCoordinator) StartSubscriptions() error {
	p.mu.Lock()
	projectors := append([]ProjectorConfig(nil), p.projectors...)
	p.mu.Unlock()

	for _, cfg := range projectors {
		cfg := cfg
		_, err := p.Bus.Subscribe(cfg.Pattern, func(ctx context.Context, env *bus.EventEnvelope) error {
			_, err := p.handleOne(ctx, cfg, env.Cover, env.Page)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs every registered projector whose pattern matches cover's
// domain against pages, synchronously, returning the resulting
// Projections in registration order. Used by the aggregate coordinator's
// SIMPLE/CASCADE sync cascade (spec §4.4 step 8).
func (p *ProjectorCoordinator) Dispatch(ctx context.Context, cover *angzarrpb.Cover, pages []*angzarrpb.EventPage) ([]*angzarrpb.Projection, error) {
	ctx, span := telemetry.StartSpan(ctx, p.Tracer, "projector.dispatch")
	defer span.End()

	p.mu.Lock()
	projectors := append([]ProjectorConfig(nil), p.projectors...)
	p.mu.Unlock()

	var out []*angzarrpb.Projection
	var firstErr error
	for _, cfg := range projectors {
		for _, page := range pages {
			if !cfg.Pattern.Matches(cover.GetDomain(), page.GetEvent().GetTypeUrl()) {
				continue
			}
			proj, err := p.handleOne(ctx, cfg, cover, page)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if proj != nil {
				out = append(out, proj)
			}
		}
	}
	return out, firstErr
}

// handleOne implements the per-(cover, page) algorithm of spec §4.5:
// idempotency check against the stored position, invoke, advance
// position, stall on exhausted retries.
func (p *ProjectorCoordinator) handleOne(ctx context.Context, cfg ProjectorConfig, cover *angzarrpb.Cover, page *angzarrpb.EventPage) (*angzarrpb.Projection, error) {
	key, err := streamKeyOf(cover)
	if err != nil {
		return nil, angerr.Wrap(angerr.InvalidCommand, "invalid root", err)
	}

	position, ok, err := p.Store.GetPosition(ctx, cfg.Name, key)
	if err != nil {
		return nil, err
	}
	if ok && page.GetSequence() <= position {
		return nil, nil // already processed -- idempotent skip (spec §4.5 step 1)
	}

	var lastErr error
	for attempt := 0; attempt <= maxProjectorRetries; attempt++ {
		resp, err := cfg.Client.Project(ctx, &angzarrpb.ProjectRequest{
			Events: &angzarrpb.EventBook{Cover: cover, Pages: []*angzarrpb.EventPage{page}},
		})
		if err == nil {
			if err := p.Store.SetPosition(ctx, cfg.Name, key, page.GetSequence()); err != nil {
				return nil, err
			}
			p.clearStalled(cfg.Name, key)
			if p.Metrics != nil {
				p.Metrics.ProjectorLagSeq.WithLabelValues(cover.GetDomain(), cfg.Name).Set(0)
			}
			return resp.GetProjection(), nil
		}
		lastErr = angerr.Wrap(angerr.DomainLogicUnavailable, "projector Project RPC failed", err)
	}

	p.markStalled(cfg.Name, key)
	if p.Log != nil {
		p.Log.Error("projector stalled after retry exhaustion",
			zap.String("projector", cfg.Name), zap.String("domain", cover.GetDomain()), zap.Error(lastErr))
	}
	return nil, lastErr
}

func stalledKey(projector string, key storage.StreamKey) string {
	return projector + "/" + key.Domain + "/" + string(key.Root[:])
}

func (p *ProjectorCoordinator) markStalled(projector string, key storage.StreamKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalled[stalledKey(projector, key)] = struct{}{}
}

func (p *ProjectorCoordinator) clearStalled(projector string, key storage.StreamKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stalled, stalledKey(projector, key))
}

// IsStalled reports whether (projector, key) is currently marked stalled.
func (p *ProjectorCoordinator) IsStalled(projector string, key storage.StreamKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.stalled[stalledKey(projector, key)]
	return ok
}
