package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dial connects to the broker at url.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// Ping reports whether conn is still open. It has the shape of a health
// check probe.
func Ping(conn *amqp.Connection) func(ctx context.Context) error {
	return func(context.Context) error {
		if conn.IsClosed() {
			return errors.New("rabbitmq connection closed")
		}
		return nil
	}
}
