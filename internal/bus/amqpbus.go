package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/proto"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// AmqpBus is the distributed-mode transport, donated by LerianStudio-midaz's
// amqp091-go usage (components/*/internal/adapters/rabbitmq). Events
// publish to a topic exchange keyed "<domain>.event.<type>"; commands
// publish to the durable queue "angzarr.commands.<domain>"; RequestResponse uses the standard AMQP
// direct-reply-to pseudo-queue ("amq.rabbitmq.reply-to") for the
// synchronous cascade paths. Messages are published persistent and
// consumers ack only after the handler returns successfully, so a
// mid-dispatch crash redelivers -- the "lossy bus is tolerable" contract
// of spec §4.2 that leans on position replay from the log to close gaps.
type AmqpBus struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	exchange string

	mu   sync.Mutex
	subs map[string]*amqpSubscription
}

type amqpSubscription struct {
	cancel func()
}

const (
	eventExchange = "angzarr.events"
	commandQueuePrefix = "angzarr.commands."
)

// NewAmqpBus dials url and declares the topic exchange used for event
// fan-out.
func NewAmqpBus(url string) (*AmqpBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(eventExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare event exchange: %w", err)
	}
	return &AmqpBus{conn: conn, ch: ch, exchange: eventExchange, subs: make(map[string]*amqpSubscription)}, nil
}

func eventRoutingKey(domain, typeURL string) string {
	return domain + ".event." + typeURL
}

func (b *AmqpBus) PublishEvent(ctx context.Context, env *EventEnvelope) error {
	data, err := proto.Marshal(env.Page)
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to marshal event envelope", err)
	}
	key := eventRoutingKey(env.Cover.GetDomain(), env.Page.GetEvent().GetTypeUrl())
	coverBytes, err := proto.Marshal(env.Cover)
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to marshal event cover", err)
	}
	return b.ch.PublishWithContext(ctx, b.exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/protobuf",
		Body:         data,
		Headers:      amqp.Table{"cover": coverBytes},
	})
}

func commandQueueName(domain string) string {
	return commandQueuePrefix + domain
}

func (b *AmqpBus) PublishCommand(ctx context.Context, env *CommandEnvelope) error {
	domain := env.Book.GetCover().GetDomain()
	q := commandQueueName(domain)
	if _, err := b.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to declare command queue", err)
	}
	data, err := proto.Marshal(env.Book)
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to marshal command book", err)
	}
	return b.ch.PublishWithContext(ctx, "", q, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/protobuf",
		Body:         data,
	})
}

// Subscribe declares a durable, per-subscription queue bound to the event
// exchange with a wildcard routing key, and starts a goroutine draining it
// into handler. Queue durability plus manual ack is what makes delivery
// at-least-once across restarts (spec §4.2).
func (b *AmqpBus) Subscribe(pattern Pattern, handler EventHandler) (string, error) {
	domainKey := pattern.Domain
	if domainKey == "" {
		domainKey = "*"
	}
	queueName := fmt.Sprintf("angzarr.sub.%s.%d", domainKey, time.Now().UnixNano())
	if _, err := b.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return "", angerr.Wrap(angerr.StorageUnavailable, "failed to declare subscription queue", err)
	}
	bindingKey := domainKey + ".event.#"
	if err := b.ch.QueueBind(queueName, bindingKey, b.exchange, false, nil); err != nil {
		return "", angerr.Wrap(angerr.StorageUnavailable, "failed to bind subscription queue", err)
	}
	deliveries, err := b.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return "", angerr.Wrap(angerr.StorageUnavailable, "failed to start consuming", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				b.dispatchDelivery(ctx, d, pattern, handler)
			}
		}
	}()

	b.mu.Lock()
	b.subs[queueName] = &amqpSubscription{cancel: cancel}
	b.mu.Unlock()
	return queueName, nil
}

func (b *AmqpBus) dispatchDelivery(ctx context.Context, d amqp.Delivery, pattern Pattern, handler EventHandler) {
	var page angzarrpb.EventPage
	if err := proto.Unmarshal(d.Body, &page); err != nil {
		_ = d.Nack(false, false) // undecodable, don't requeue forever
		return
	}
	var cover angzarrpb.Cover
	if raw, ok := d.Headers["cover"].([]byte); ok {
		_ = proto.Unmarshal(raw, &cover)
	}
	if !pattern.Matches(cover.GetDomain(), page.GetEvent().GetTypeUrl()) {
		_ = d.Ack(false)
		return
	}
	env := &EventEnvelope{Cover: &cover, Page: &page}
	if err := handler(ctx, env); err != nil {
		_ = d.Nack(false, true) // redeliver, subscriber stays idempotent via position tracking
		return
	}
	_ = d.Ack(false)
}

func (b *AmqpBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	delete(b.subs, subscriptionID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return b.ch.Cancel(subscriptionID, false)
}

// RequestResponse publishes to the target domain's command queue and waits
// on a direct-reply-to correlation, used for distributed-mode sync
// cascades. If handler is non-nil (the caller is itself the domain's
// coordinator, running in-process), it's invoked directly instead of
// round-tripping through the broker -- this lets a single AmqpBus
// instance serve both "call my own domain" and "call a sidecar" without
// branching at call sites.
func (b *AmqpBus) RequestResponse(ctx context.Context, env *CommandEnvelope, handler CommandHandler) (*angzarrpb.CommandResponse, error) {
	if handler != nil {
		return handler(ctx, env.Book)
	}
	replyCh, err := b.conn.Channel()
	if err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to open reply channel", err)
	}
	defer replyCh.Close()

	deliveries, err := replyCh.Consume("amq.rabbitmq.reply-to", "", true, false, false, false, nil)
	if err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to consume reply-to queue", err)
	}

	corrID := fmt.Sprintf("%d", time.Now().UnixNano())
	data, err := proto.Marshal(env.Book)
	if err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to marshal command book", err)
	}
	q := commandQueueName(env.Book.GetCover().GetDomain())
	if err := replyCh.PublishWithContext(ctx, "", q, false, false, amqp.Publishing{
		ContentType:   "application/protobuf",
		CorrelationId: corrID,
		ReplyTo:       "amq.rabbitmq.reply-to",
		Body:          data,
	}); err != nil {
		return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "failed to publish request", err)
	}

	select {
	case <-ctx.Done():
		return nil, angerr.Wrap(angerr.DeadlineExceeded, "request-response timed out", ctx.Err())
	case d := <-deliveries:
		if d.CorrelationId != corrID {
			return nil, angerr.New(angerr.DomainLogicUnavailable, "reply correlation mismatch")
		}
		var resp angzarrpb.CommandResponse
		if err := proto.Unmarshal(d.Body, &resp); err != nil {
			return nil, angerr.Wrap(angerr.DomainLogicUnavailable, "failed to decode reply", err)
		}
		return &resp, nil
	}
}

func (b *AmqpBus) Close() error {
	b.mu.Lock()
	for _, s := range b.subs {
		s.cancel()
	}
	b.mu.Unlock()
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

var _ Bus = (*AmqpBus)(nil)
