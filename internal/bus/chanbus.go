package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// ChanBus is the standalone-mode, zero-external-dependency transport: one
// pending queue per (domain, root) stream, drained by at most one goroutine
// at a time, which is what gives per-stream FIFO delivery without a global
// lock.
// Grounded on client/go/server.go's implicit assumption that standalone
// deployments dispatch in-process; there is no committed in-process bus in
// the retrieved teacher snapshot, so this is modeled directly on spec §4.2
// ("in-process channels (standalone)").
type ChanBus struct {
	mu          sync.Mutex
	subs        map[string]*subscription
	streams     map[streamKey]*streamQueue
	commandFunc map[string]CommandHandler // domain -> the coordinator's own handler, set via BindCommandHandler
	closed      bool
}

type subscription struct {
	id      string
	pattern Pattern
	handler EventHandler
}

type streamKey struct {
	domain string
	root   string
}

// streamQueue serializes delivery of one stream's events to all current
// subscribers so FIFO holds even though publish and dispatch are
// decoupled.
type streamQueue struct {
	mu      sync.Mutex
	pending []*EventEnvelope
	running bool
}

// NewChanBus constructs an empty in-process bus.
func NewChanBus() *ChanBus {
	return &ChanBus{
		subs:        make(map[string]*subscription),
		streams:     make(map[streamKey]*streamQueue),
		commandFunc: make(map[string]CommandHandler),
	}
}

// BindCommandHandler registers the local handler that owns domain, so
// RequestResponse calls made against that domain can be served without the
// caller supplying one (used when the caller routing a saga-emitted
// command doesn't itself have a reference to the target coordinator).
func (b *ChanBus) BindCommandHandler(domain string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commandFunc[domain] = handler
}

func keyOf(cover *angzarrpb.Cover) streamKey {
	return streamKey{domain: cover.GetDomain(), root: string(cover.GetRoot().GetValue())}
}

func (b *ChanBus) PublishEvent(ctx context.Context, env *EventEnvelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return angerr.New(angerr.StorageUnavailable, "bus is closed")
	}
	k := keyOf(env.Cover)
	q, ok := b.streams[k]
	if !ok {
		q = &streamQueue{}
		b.streams[k] = q
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, env)
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	go b.drain(ctx, q, subs)
	return nil
}

func (b *ChanBus) drain(ctx context.Context, q *streamQueue, subs []*subscription) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		env := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		for _, s := range subs {
			if s.pattern.Matches(env.Cover.GetDomain(), env.Page.GetEvent().GetTypeUrl()) {
				_ = s.handler(ctx, env) // delivery failure is logged by the caller-supplied handler; at-least-once relies on replay, not bus-level retry
			}
		}
	}
}

func (b *ChanBus) PublishCommand(ctx context.Context, env *CommandEnvelope) error {
	b.mu.Lock()
	handler, ok := b.commandFunc[env.Book.GetCover().GetDomain()]
	b.mu.Unlock()
	if !ok {
		return angerr.New(angerr.DomainLogicUnavailable,
			fmt.Sprintf("no coordinator bound for domain %q", env.Book.GetCover().GetDomain()))
	}
	_, err := handler(ctx, env.Book)
	return err
}

func (b *ChanBus) Subscribe(pattern Pattern, handler EventHandler) (string, error) {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = &subscription{id: id, pattern: pattern, handler: handler}
	return id, nil
}

func (b *ChanBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscriptionID)
	return nil
}

func (b *ChanBus) RequestResponse(ctx context.Context, env *CommandEnvelope, handler CommandHandler) (*angzarrpb.CommandResponse, error) {
	if handler != nil {
		return handler(ctx, env.Book)
	}
	b.mu.Lock()
	bound, ok := b.commandFunc[env.Book.GetCover().GetDomain()]
	b.mu.Unlock()
	if !ok {
		return nil, angerr.New(angerr.DomainLogicUnavailable,
			fmt.Sprintf("no coordinator bound for domain %q", env.Book.GetCover().GetDomain()))
	}
	return bound(ctx, env.Book)
}

func (b *ChanBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Bus = (*ChanBus)(nil)
