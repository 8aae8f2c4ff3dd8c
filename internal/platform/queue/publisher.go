package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishChannel is the subset of *amqp.Channel the publisher uses.
type PublishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("queue: publish not confirmed")

// Publisher writes persistent JSON messages to one queue and waits for the
// broker's confirm. Publishes are serialized so confirms pair with them in
// order.
type Publisher struct {
	ch       PublishChannel
	queue    string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// NewPublisher declares queue and puts ch into confirm mode.
func NewPublisher(ch PublishChannel, queue string) (*Publisher, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue: declare %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("queue: enable confirms: %w", err)
	}
	return &Publisher{
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish marshals v and blocks until the broker confirms it or ctx is done.
func (p *Publisher) Publish(ctx context.Context, correlationID string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("queue: publish to %s: %w", p.queue, err)
	}

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return fmt.Errorf("queue: publish to %s: channel closed", p.queue)
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: %s", ErrNotConfirmed, p.queue)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: publish to %s: %w", p.queue, ctx.Err())
	}
}
