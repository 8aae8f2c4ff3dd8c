// Package queue carries admissions over RabbitMQ: a consumer that feeds raw
// messages to a handler and settles each delivery by the handler's verdict,
// and a confirmed publisher for outcome events.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/platform/metrics"
)

// Disposition tells the consumer how to settle a delivery.
type Disposition int

const (
	// Ack removes the delivery from the queue.
	Ack Disposition = iota
	// Reject drops the delivery without requeueing; the broker moves it to
	// the dead-letter queue.
	Reject
	// Requeue returns the delivery to the queue for another attempt.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Message is the part of a delivery handlers see.
type Message struct {
	Body          []byte
	MessageID     string
	CorrelationID string
	Redelivered   bool
}

// Handler processes one message and decides its disposition.
type Handler func(ctx context.Context, msg Message) Disposition

// ConsumeChannel is the subset of *amqp.Channel the consumer uses.
type ConsumeChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// ErrDeliveriesClosed is returned by Run when the broker closes the
// delivery channel, usually because the connection dropped.
var ErrDeliveriesClosed = errors.New("queue: delivery channel closed")

// Consumer reads one durable queue with up to prefetch deliveries in
// flight, each handled on its own worker.
type Consumer struct {
	ch       ConsumeChannel
	queue    string
	prefetch int
	handler  Handler
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewConsumer declares queue and its dead-letter queue "<queue>.dlq".
func NewConsumer(ch ConsumeChannel, queue string, prefetch int, handler Handler, logger zerolog.Logger, m *metrics.Metrics) (*Consumer, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := DeclareWithDeadLetter(ch, queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}
	return &Consumer{
		ch:       ch,
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		logger:   logger.With().Str("component", "queue").Str("queue", queue).Logger(),
		metrics:  m,
	}, nil
}

// DeadLetterName returns the dead-letter queue paired with queue.
func DeadLetterName(queue string) string {
	return queue + ".dlq"
}

// DeclareWithDeadLetter declares a durable queue whose rejected messages
// are routed through the default exchange to its dead-letter queue.
func DeclareWithDeadLetter(ch ConsumeChannel, queue string) error {
	dlq := DeadLetterName(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("queue: declare %s: %w", queue, err)
	}
	return nil
}

// Run consumes until ctx is done or the delivery channel closes. In-flight
// deliveries finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", c.queue, err)
	}
	c.logger.Info().Int("prefetch", c.prefetch).Msg("queue consumer started")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed bool
	)
	for i := 0; i < c.prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						mu.Lock()
						closed = true
						mu.Unlock()
						return
					}
					c.handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()

	if closed && ctx.Err() == nil {
		return ErrDeliveriesClosed
	}
	c.logger.Info().Msg("queue consumer stopped")
	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	disp := c.handler(ctx, Message{
		Body:          d.Body,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Redelivered:   d.Redelivered,
	})

	var err error
	switch disp {
	case Reject:
		err = d.Reject(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		disp = Ack
		err = d.Ack(false)
	}
	c.metrics.IncrementQueueDelivery(disp.String())

	if err != nil {
		c.logger.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Str("disposition", disp.String()).Msg("failed to settle delivery")
	}
}
