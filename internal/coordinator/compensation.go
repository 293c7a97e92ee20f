package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/telemetry"
)

// Package-level compensation channel (C8): the only backchannel in the
// system (spec §4.8). Forward flow is events -> commands -> events;
// compensation is the one place a rejection travels upstream, and it does
// so as an ordinary routed command rather than a separate queue (spec §9:
// "Compensation backchannel as a regular command").

type compensationDepthKeyType struct{}

var compensationDepthKey compensationDepthKeyType

func compensationDepthOf(ctx context.Context) int {
	d, _ := ctx.Value(compensationDepthKey).(int)
	return d
}

func withCompensationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, compensationDepthKey, depth)
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return "rejection"
	}
	return kind
}

// routeNotification forwards n to the Cover it names as a synthetic
// single-page CommandBook wrapping the notification itself, through
// router. The receiving aggregate/PM's own business logic is expected to
// have "a registered rejection handler for (source_domain, command_type)"
// (spec §4.8) -- decoding the Any-wrapped Notification back out is the
// domain's job, the same way any other command payload is domain-decoded.
//
// Propagation is bounded by maxDepth, carried in ctx so a chain of
// compensations (aggregate A rejects -> notifies B -> B's own rejection
// handler rejects again -> notifies C -> ...) cannot loop forever (spec
// §4.8: "bounded by depth"). Once exhausted, b is used to dead-letter the
// notification rather than silently dropping it (SPEC_FULL Part D.5: "needed
// because §4.8 says propagation is bounded by depth but never says what
// happens when the bound is hit").
func routeNotification(ctx context.Context, n *angzarrpb.Notification, router Router, b bus.Bus, maxDepth int, metrics *telemetry.Metrics) error {
	if metrics != nil {
		metrics.CompensationTotal.WithLabelValues(kindOrDefault(n.GetKind())).Inc()
	}
	if n.GetCover() == nil || n.GetCover().GetDomain() == "" {
		return nil // no address to route to: absorbed here, nothing more to do
	}
	depth := compensationDepthOf(ctx)
	if depth >= maxDepth {
		return deadLetterNotification(ctx, n, b, metrics,
			fmt.Sprintf("propagation depth %d exceeded for domain %s", maxDepth, n.GetCover().GetDomain()))
	}

	payload, err := anypb.New(n)
	if err != nil {
		return fmt.Errorf("failed to wrap notification for routing: %w", err)
	}
	book := &angzarrpb.CommandBook{
		Cover: n.GetCover(),
		Pages: []*angzarrpb.CommandPage{{Command: payload}},
	}
	_, err = router.Route(withCompensationDepth(ctx, depth+1), book, angzarrpb.SyncMode_SYNC_MODE_NONE)
	return err
}

// deadLetterNotification republishes n as an ordinary "dead_letter"-kind
// event on n's own Cover, since that's the only address on hand once
// propagation is exhausted.
func deadLetterNotification(ctx context.Context, n *angzarrpb.Notification, b bus.Bus, metrics *telemetry.Metrics, reason string) error {
	if metrics != nil {
		metrics.CompensationTotal.WithLabelValues("dead_letter").Inc()
	}
	if b == nil {
		return angerr.New(angerr.CascadeDepthExceeded, "compensation notification exhausted propagation depth and no bus is configured to dead-letter it: "+reason)
	}
	wrapper := &angzarrpb.RejectionNotification{Reason: reason}
	payload, err := anypb.New(wrapper)
	if err != nil {
		return fmt.Errorf("failed to wrap exhausted notification for dead-letter: %w", err)
	}
	dead := &angzarrpb.Notification{Cover: n.GetCover(), Payload: payload, Kind: "dead_letter"}
	eventPayload, err := anypb.New(dead)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter event: %w", err)
	}
	return b.PublishEvent(ctx, &bus.EventEnvelope{Cover: n.GetCover(), Page: &angzarrpb.EventPage{Event: eventPayload}})
}

// deadLetter implements RevocationAction_SEND_TO_DEAD_LETTER_QUEUE: the
// notification is published as an ordinary event wrapped in a Notification
// of kind "dead_letter" rather than routed anywhere, so an operator-facing
// consumer can observe commands that were rejected and explicitly
// abandoned (spec Part D.5).
func (c *AggregateCoordinator) deadLetter(ctx context.Context, cover *angzarrpb.Cover, notif *angzarrpb.RejectionNotification) {
	c.publishCompensationEvent(ctx, cover, notif, "dead_letter")
}

// escalate implements RevocationAction_ESCALATE: the notification is
// republished as an ordinary event so an external on-call projector can
// observe it (spec Part D.5), rather than routed back upstream.
func (c *AggregateCoordinator) escalate(ctx context.Context, cover *angzarrpb.Cover, notif *angzarrpb.RejectionNotification) {
	c.publishCompensationEvent(ctx, cover, notif, "escalation")
}

// publishCompensationEvent republishes notif as an ordinary event: a
// Notification whose Kind field carries kind. Dead-letter and escalation
// events share the same event type, so a consumer tells them apart by
// Kind, not by subscription pattern.
func (c *AggregateCoordinator) publishCompensationEvent(ctx context.Context, cover *angzarrpb.Cover, notif *angzarrpb.RejectionNotification, kind string) {
	ctx, span := telemetry.StartSpan(ctx, c.Tracer, "compensation."+kind)
	defer span.End()

	notifPayload, err := anypb.New(notif)
	if err != nil {
		c.Log.Error("failed to marshal compensation notification", zap.String("kind", kind), zap.Error(err))
		return
	}
	n := &angzarrpb.Notification{Cover: cover, Payload: notifPayload, Kind: kind}
	eventPayload, err := anypb.New(n)
	if err != nil {
		c.Log.Error("failed to marshal compensation event", zap.String("kind", kind), zap.Error(err))
		return
	}
	env := &bus.EventEnvelope{Cover: cover, Page: &angzarrpb.EventPage{Event: eventPayload}}
	if err := c.Bus.PublishEvent(ctx, env); err != nil {
		c.Log.Warn("failed to publish compensation event", zap.String("kind", kind), zap.Error(err))
	}
}
