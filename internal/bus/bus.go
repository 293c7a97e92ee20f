// Package bus defines the event/command transport abstraction (C2) and its
// adapters.
//
// Every coordinator depends on the Bus interface, never a driver package
// directly -- cmd/*/main.go picks chanbus (standalone) or amqpbus
// (distributed) from config.Bus.Kind, mirroring internal/storage's
// Store selection.
package bus

import (
	"context"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
)

// EventEnvelope is one published event notification: the stream it belongs
// to plus the page itself.
type EventEnvelope struct {
	Cover *angzarrpb.Cover
	Page  *angzarrpb.EventPage
}

// CommandEnvelope is one routed command batch.
type CommandEnvelope struct {
	Book *angzarrpb.CommandBook
}

// Pattern is a subscription filter: Types empty means "all event types for
// Domain" (spec §3 Subscription/Target).
type Pattern struct {
	Domain string
	Types  []string
}

// Matches reports whether typeURL (an event's google.protobuf.Any type_url)
// satisfies p for the given domain. Matching is by suffix against each
// configured type, mirroring the domain SDK's suffix-based type routing
// (client/go/router.go) so a bare message name ("OrderPlaced") matches a
// fully qualified type_url ("type.googleapis.com/orders.v1.OrderPlaced").
func (p Pattern) Matches(domain, typeURL string) bool {
	if p.Domain != "" && p.Domain != domain {
		return false
	}
	if len(p.Types) == 0 {
		return true
	}
	for _, t := range p.Types {
		if hasTypeSuffix(typeURL, t) {
			return true
		}
	}
	return false
}

func hasTypeSuffix(typeURL, suffix string) bool {
	if len(typeURL) < len(suffix) {
		return false
	}
	return typeURL[len(typeURL)-len(suffix):] == suffix
}

// EventHandler is invoked once per delivered event, in (domain, root) FIFO
// order, for every matching subscription. Handlers must be idempotent --
// spec §4.2 guarantees at-least-once, not exactly-once.
type EventHandler func(ctx context.Context, env *EventEnvelope) error

// Bus is the event/command transport contract (spec §4.2).
type Bus interface {
	// PublishEvent enqueues env for delivery to every subscriber whose
	// pattern matches. Returning nil means durably enqueued (or, for
	// in-process transports, referentially enqueued) -- not necessarily
	// delivered.
	PublishEvent(ctx context.Context, env *EventEnvelope) error

	// PublishCommand enqueues a command for routing to its target
	// domain's coordinator.
	PublishCommand(ctx context.Context, env *CommandEnvelope) error

	// Subscribe registers handler against pattern and returns a
	// subscription id usable with Unsubscribe. Delivery to a single
	// subscription is FIFO per (domain, root); delivery across distinct
	// (domain, root) pairs may be concurrent.
	Subscribe(pattern Pattern, handler EventHandler) (string, error)

	// Unsubscribe removes a previously registered subscription. Idempotent.
	Unsubscribe(subscriptionID string) error

	// RequestResponse performs a blocking command round-trip to whatever
	// is bound to handle env's target domain, used by the aggregate
	// coordinator's sync paths (SIMPLE/CASCADE) when crossing a
	// process boundary in distributed mode.
	RequestResponse(ctx context.Context, env *CommandEnvelope, handler CommandHandler) (*angzarrpb.CommandResponse, error)

	// Close releases any resources (connections, goroutines) held by the
	// transport.
	Close() error
}

// CommandHandler is the target-side function RequestResponse invokes once
// the command has been routed to it. chanbus and amqpbus both call a
// non-nil handler directly in-process; with a nil handler, amqpbus instead
// publishes the command to the domain's queue and waits for a reply over
// the direct-reply-to mechanism. The interface is the same either way so
// coordinator code never branches on transport.
type CommandHandler func(ctx context.Context, book *angzarrpb.CommandBook) (*angzarrpb.CommandResponse, error)
