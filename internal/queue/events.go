package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/flowforge/backend/internal/compiler"

	"github.com/rabbitmq/amqp091-go"
)

// EventPublisher sends compile events to the topic exchange.
type EventPublisher struct {
	ch Publisher
}

func NewEventPublisher(ch Publisher) *EventPublisher {
	return &EventPublisher{ch: ch}
}

func (p *EventPublisher) Publish(ctx context.Context, ev compiler.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return PublishTopic(ctx, p.ch, compiler.EventCompiled, body)
}

// SubscribeEvents binds a private queue to workflow events and calls handle
// for each one until ctx ends or the channel closes.
func SubscribeEvents(ctx context.Context, ch *amqp091.Channel, handle func(compiler.Event)) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare event queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "workflow.*", Exchange, false, nil); err != nil {
		return fmt.Errorf("bind event queue: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume events: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Warn("Event channel closed")
					return
				}
				dispatchEvent(msg.Body, handle)
			}
		}
	}()
	return nil
}

func dispatchEvent(body []byte, handle func(compiler.Event)) {
	var ev compiler.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn("Dropping malformed event", "err", err)
		return
	}
	handle(ev)
}
