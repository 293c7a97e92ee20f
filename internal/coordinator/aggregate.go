package coordinator

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
)

// AggregateClient is the subset of the generated AggregateServiceClient the
// coordinator calls (domain.proto AggregateService).
type AggregateClient interface {
	Handle(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error)
	Replay(ctx context.Context, in *angzarrpb.ReplayRequest) (*angzarrpb.ReplayResponse, error)
	MergeStrategyOf(ctx context.Context, in *angzarrpb.DescribeRequest) (*angzarrpb.MergeStrategyResponse, error)
}

// AggregateCoordinator implements C4: command ingest, state hydration,
// domain-logic invocation, durable append with optimistic concurrency,
// downstream dispatch, and the optional synchronous cascade (spec §4.4).
type AggregateCoordinator struct {
	angzarrpb.UnimplementedAggregateCoordinatorServiceServer

	domain string
	client AggregateClient
	router Router

	projectors *ProjectorCoordinator // invoked sync for SIMPLE/CASCADE
	sagas      *SagaCoordinator      // invoked sync for CASCADE, async otherwise

	Deps
}

// NewAggregateCoordinator constructs the coordinator bound to domain,
// talking to client for domain logic and router for recursively-routed
// saga/PM-emitted commands.
func NewAggregateCoordinator(domain string, client AggregateClient, router Router, projectors *ProjectorCoordinator, sagas *SagaCoordinator, d Deps) *AggregateCoordinator {
	return &AggregateCoordinator{domain: domain, client: client, router: router, projectors: projectors, sagas: sagas, Deps: d}
}

// SubmitCommand is the gRPC-facing entrypoint (AggregateCoordinatorService).
// It is also what recursive cascade routing calls through (spec §4.4 step
// 8: "via the coordinator entrypoint of the target domain").
func (c *AggregateCoordinator) SubmitCommand(ctx context.Context, req *angzarrpb.SubmitCommandRequest) (*angzarrpb.SubmitCommandResponse, error) {
	scb := req.GetCommand()
	if scb.GetSyncMode() == angzarrpb.SyncMode_SYNC_MODE_NONE && c.Cfg.DefaultSyncMode != angzarrpb.SyncMode_SYNC_MODE_NONE {
		scb.SyncMode = c.Cfg.DefaultSyncMode
	}
	if scb.GetSyncMode() == angzarrpb.SyncMode_SYNC_MODE_CASCADE {
		if _, ok := cascadeFrom(ctx); !ok {
			ctx = withCascade(ctx)
		}
	}
	resp, err := c.handle(ctx, scb)
	if err != nil {
		return nil, err
	}
	return &angzarrpb.SubmitCommandResponse{Response: resp}, nil
}

// GetState implements AggregateCoordinatorService.GetState.
func (c *AggregateCoordinator) GetState(ctx context.Context, req *angzarrpb.GetStateRequest) (*angzarrpb.GetStateResponse, error) {
	book, err := c.loadUpcast(ctx, req.GetCover())
	if err != nil {
		return nil, err
	}
	return &angzarrpb.GetStateResponse{Events: book}, nil
}

// handle runs the full §4.4 algorithm for every command page in scb's
// CommandBook, in order, then applies the requested sync cascade.
func (c *AggregateCoordinator) handle(ctx context.Context, scb *angzarrpb.SyncCommandBook) (*angzarrpb.CommandResponse, error) {
	book := scb.GetCommandBook()
	cover := book.GetCover()

	// Step 1: admission check.
	if cover.GetDomain() != c.domain {
		return nil, angerr.New(angerr.InvalidCommand,
			fmt.Sprintf("command targets domain %q, coordinator handles %q", cover.GetDomain(), c.domain))
	}

	key, err := streamKeyOf(cover)
	if err != nil {
		return nil, angerr.Wrap(angerr.InvalidCommand, "invalid root", err)
	}

	ctx, span := telemetry.StartSpan(ctx, c.Tracer, "aggregate.handle")
	defer span.End()

	var releaseLease func()
	if c.Leaser != nil {
		if token, ok := c.Leaser.TryAcquire(ctx, streamKeyString(cover), c.Cfg.LeaseTTL); ok {
			releaseLease = func() { c.Leaser.Release(ctx, streamKeyString(cover), token) }
		}
	}
	if releaseLease != nil {
		defer releaseLease()
	}

	var allNewPages []*angzarrpb.EventPage
	var rejection *angzarrpb.RejectionNotification
	var tail uint32

	for _, page := range book.GetPages() {
		newPages, revocation, notification, err := c.invokeWithRetry(ctx, cover, key, page, book)
		if err != nil {
			return &angzarrpb.CommandResponse{Cover: cover, Events: allNewPages}, err
		}
		if len(newPages) > 0 {
			allNewPages = append(allNewPages, newPages...)
			tail = newPages[len(newPages)-1].GetSequence()
			if err := c.publishAll(ctx, cover, newPages); err != nil {
				c.Log.Warn("event publish failed, subscribers will catch up via position replay",
					zap.String("domain", c.domain), zap.Error(err))
			}
		}
		if revocation != nil {
			// A business rejection ends processing of the remainder of
			// this CommandBook -- later pages were constructed assuming
			// the rejected one would succeed. compensation_events (if any)
			// were already appended above as part of newPages.
			rejection = revocation
		}
		if notification != nil {
			if err := c.forwardNotification(ctx, notification); err != nil {
				c.Log.Error("failed to forward aggregate-originated notification", zap.Error(err))
			}
		}
		if revocation != nil || notification != nil {
			break
		}
	}

	resp := &angzarrpb.CommandResponse{Cover: cover, Sequence: tail, Events: allNewPages, Rejection: rejection}
	if err := c.applySyncMode(ctx, scb.GetSyncMode(), cover, allNewPages, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// invokeWithRetry runs steps 2-5 of §4.4 (load, upcast, invoke, append) for
// one command page, retrying the whole sub-sequence from a fresh load on
// ConcurrencyConflict up to Cfg.AppendRetries times with exponential
// backoff -- "the aggregate coordinator retries from fresh load" (spec §1
// data flow, step 5).
func (c *AggregateCoordinator) invokeWithRetry(ctx context.Context, cover *angzarrpb.Cover, key storage.StreamKey, page *angzarrpb.CommandPage, book *angzarrpb.CommandBook) ([]*angzarrpb.EventPage, *angzarrpb.RejectionNotification, *angzarrpb.Notification, error) {
	var lastErr error
	for attempt := 0; attempt <= c.Cfg.AppendRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 50 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, nil, angerr.Wrap(angerr.DeadlineExceeded, "append retry aborted", ctx.Err())
			}
		}

		current, err := c.loadUpcast(ctx, cover)
		if err != nil {
			return nil, nil, nil, err
		}

		single := &angzarrpb.CommandBook{Cover: cover, Pages: []*angzarrpb.CommandPage{page}, Expectation: book.GetExpectation()}
		result, err := c.invokeDomain(ctx, current, single)
		if err != nil {
			return nil, nil, nil, err
		}

		switch outcome := result.GetOutcome().(type) {
		case *angzarrpb.BusinessResponse_Events:
			expected := uint32(len(current.GetPages()))
			stamped := stampPages(outcome.Events.GetPages(), expected)
			appended, err := c.appendOnce(ctx, cover, key, stamped, expected)
			if err != nil {
				if angerr.Is(err, angerr.ConcurrencyConflict) {
					if c.Metrics != nil {
						c.Metrics.ConcurrencyConflicts.WithLabelValues(c.domain).Inc()
					}
					if c.Cache != nil {
						c.Cache.Invalidate(streamKeyString(cover))
					}
					lastErr = err
					continue
				}
				return nil, nil, nil, err
			}
			if snap := outcome.Events.GetSnapshot(); snap != nil {
				if err := c.Store.WriteSnapshot(ctx, snap); err != nil {
					c.Log.Warn("snapshot write failed (non-fatal)", zap.Error(err))
				}
			}
			if c.Cache != nil {
				c.Cache.Invalidate(streamKeyString(cover))
			}
			if c.Metrics != nil {
				c.Metrics.AppendTotal.WithLabelValues(c.domain, "ok").Inc()
			}
			return appended, nil, nil, nil

		case *angzarrpb.BusinessResponse_Revocation:
			rev := outcome.Revocation
			notif := &angzarrpb.RejectionNotification{
				RejectedCommand: &angzarrpb.ContextualCommand{Cover: cover, Pages: []*angzarrpb.CommandPage{page}},
				Reason:          rev.GetReason(),
				Code:            rev.GetAction().String(),
			}

			var compensationPages []*angzarrpb.EventPage
			if ev := rev.GetCompensationEvents(); ev != nil && len(ev.GetPages()) > 0 {
				expected := uint32(len(current.GetPages()))
				stamped := stampPages(ev.GetPages(), expected)
				appended, err := c.appendOnce(ctx, cover, key, stamped, expected)
				if err != nil {
					if angerr.Is(err, angerr.ConcurrencyConflict) {
						if c.Metrics != nil {
							c.Metrics.ConcurrencyConflicts.WithLabelValues(c.domain).Inc()
						}
						if c.Cache != nil {
							c.Cache.Invalidate(streamKeyString(cover))
						}
						lastErr = err
						continue
					}
					return nil, nil, nil, err
				}
				compensationPages = appended
				if c.Cache != nil {
					c.Cache.Invalidate(streamKeyString(cover))
				}
			}

			if c.Metrics != nil {
				c.Metrics.CompensationTotal.WithLabelValues(rev.GetAction().String()).Inc()
			}
			switch rev.GetAction() {
			case angzarrpb.RevocationAction_REVOCATION_ACTION_SEND_TO_DEAD_LETTER_QUEUE:
				c.deadLetter(ctx, cover, notif)
			case angzarrpb.RevocationAction_REVOCATION_ACTION_ESCALATE:
				c.escalate(ctx, cover, notif)
			case angzarrpb.RevocationAction_REVOCATION_ACTION_ABORT:
				// terminal: no further routing, the rejection itself ends
				// processing and is never propagated upstream (see saga.go
				// and pm.go, which check notif.Code before compensating).
			default:
				// EMIT_SYSTEM_REVOCATION: surfaced via CommandResponse.Rejection;
				// a saga/PM coordinator observing it on a routed command's
				// response is responsible for forwarding it upstream (§4.8).
			}
			return compensationPages, notif, nil, nil

		case *angzarrpb.BusinessResponse_Notification:
			return nil, nil, outcome.Notification, nil

		default:
			return nil, nil, nil, angerr.New(angerr.InvalidCommand, "business response carried no outcome")
		}
	}
	if lastErr == nil {
		lastErr = angerr.New(angerr.ConcurrencyConflict, "append retries exhausted")
	}
	return nil, nil, nil, lastErr
}

func (c *AggregateCoordinator) invokeDomain(ctx context.Context, events *angzarrpb.EventBook, command *angzarrpb.CommandBook) (*angzarrpb.BusinessResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Cfg.CallTimeout)
	defer cancel()
	resp, err := c.client.Handle(ctx, &angzarrpb.HandleCommandRequest{State: events, Command: command})
	if err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "aggregate Handle RPC failed", err)
	}
	return resp.GetResult(), nil
}

func (c *AggregateCoordinator) appendOnce(ctx context.Context, cover *angzarrpb.Cover, key storage.StreamKey, pages []*angzarrpb.EventPage, expected uint32) ([]*angzarrpb.EventPage, error) {
	force := len(pages) > 0 && pages[0].GetExternal()
	return c.Store.Append(ctx, key, pages, expected, force)
}

// stampPages assigns dense sequence numbers starting at start (unless a
// page already carries the force flag, in which case its sequence is left
// for Store.Append to decide) and fills in created_at if missing -- spec
// §4.4 step 4.
func stampPages(pages []*angzarrpb.EventPage, start uint32) []*angzarrpb.EventPage {
	out := make([]*angzarrpb.EventPage, 0, len(pages))
	seq := start
	for _, p := range pages {
		page := proto.Clone(p).(*angzarrpb.EventPage)
		if !page.GetExternal() {
			page.Sequence = seq
			seq++
		}
		if page.GetRecordedAt() == nil {
			page.RecordedAt = timestamppb.Now()
		}
		out = append(out, page)
	}
	return out
}

func streamKeyOf(cover *angzarrpb.Cover) (storage.StreamKey, error) {
	var key storage.StreamKey
	key.Domain = cover.GetDomain()
	root := cover.GetRoot().GetValue()
	if len(root) != 0 && len(root) != 16 {
		return key, fmt.Errorf("root must be 16 bytes, got %d", len(root))
	}
	copy(key.Root[:], root)
	return key, nil
}

// loadUpcast loads cover's EventBook from the store and runs it through
// the upcaster pipeline (spec §4.4 step 2, §4.3).
func (c *AggregateCoordinator) loadUpcast(ctx context.Context, cover *angzarrpb.Cover) (*angzarrpb.EventBook, error) {
	ctx, span := telemetry.StartSpan(ctx, c.Tracer, "aggregate.load")
	defer span.End()

	key, err := streamKeyOf(cover)
	if err != nil {
		return nil, angerr.Wrap(angerr.InvalidCommand, "invalid root", err)
	}

	cacheKey := streamKeyString(cover)
	if c.Cache != nil {
		if cached, ok := c.Cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	raw, err := c.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	raw.Cover = cover

	snap, err := c.Store.ReadSnapshot(ctx, key)
	if err == nil && snap != nil && raw.GetSnapshot() == nil {
		raw.Snapshot = snap
	}

	book, err := c.Upcasters.ApplyBook(ctx, c.domain, raw)
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		c.Cache.Set(cacheKey, book)
	}
	return book, nil
}

func (c *AggregateCoordinator) publishAll(ctx context.Context, cover *angzarrpb.Cover, pages []*angzarrpb.EventPage) error {
	ctx, span := telemetry.StartSpan(ctx, c.Tracer, "aggregate.publish")
	defer span.End()
	var firstErr error
	for _, p := range pages {
		if err := c.Bus.PublishEvent(ctx, &bus.EventEnvelope{Cover: cover, Page: p}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applySyncMode implements §4.4 step 8.
func (c *AggregateCoordinator) applySyncMode(ctx context.Context, mode angzarrpb.SyncMode, cover *angzarrpb.Cover, newPages []*angzarrpb.EventPage, resp *angzarrpb.CommandResponse) error {
	if len(newPages) == 0 {
		return nil
	}
	switch mode {
	case angzarrpb.SyncMode_SYNC_MODE_NONE:
		if c.sagas != nil {
			go c.sagas.DispatchAsync(detach(ctx), cover, newPages)
		}
		return nil

	case angzarrpb.SyncMode_SYNC_MODE_SIMPLE:
		ctx, span := telemetry.StartSpan(ctx, c.Tracer, "aggregate.cascade")
		defer span.End()
		if c.projectors != nil {
			projections, err := c.projectors.Dispatch(ctx, cover, newPages)
			if err != nil {
				c.Log.Warn("synchronous projector dispatch failed", zap.Error(err))
			}
			resp.Projections = append(resp.Projections, projections...)
		}
		if c.sagas != nil {
			go c.sagas.DispatchAsync(detach(ctx), cover, newPages)
		}
		return nil

	case angzarrpb.SyncMode_SYNC_MODE_CASCADE:
		ctx, span := telemetry.StartSpan(ctx, c.Tracer, "aggregate.cascade")
		defer span.End()
		cs, ok := cascadeFrom(ctx)
		if !ok {
			cs = &cascadeState{visited: make(map[string]struct{})}
		}
		next, err := cs.descend(cover, c.Cfg.MaxCascadeDepth)
		if err != nil {
			return err
		}
		if c.Metrics != nil {
			c.Metrics.CascadeDepth.Observe(float64(next.depth))
		}
		cascadeCtx := withDescended(ctx, next)

		union := append([]*angzarrpb.EventPage(nil), newPages...)
		if c.sagas != nil {
			sagaEvents, err := c.sagas.DispatchSync(cascadeCtx, cover, newPages, c.router)
			if err != nil {
				return err
			}
			union = append(union, sagaEvents...)
		}
		if c.projectors != nil {
			projections, err := c.projectors.Dispatch(ctx, cover, union)
			if err != nil {
				c.Log.Warn("synchronous projector dispatch failed", zap.Error(err))
			}
			resp.Projections = append(resp.Projections, projections...)
		}
		return nil
	}
	return nil
}

// forwardNotification implements the aggregate-already-handled-it branch
// of §4.4 step 4's notification path, routing straight into the
// compensation channel (C8).
func (c *AggregateCoordinator) forwardNotification(ctx context.Context, n *angzarrpb.Notification) error {
	return routeNotification(ctx, n, c.router, c.Bus, c.Cfg.MaxCascadeDepth, c.Metrics)
}

// detach strips any deadline from ctx while preserving trace/value
// context, for goroutines that must outlive the originating RPC call (the
// SYNC_MODE_NONE/SIMPLE async saga dispatch).
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
