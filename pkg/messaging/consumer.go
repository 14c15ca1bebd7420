package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stratumhq/stratum-backend/pkg/logger"
)

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

// maxDeliveryAttempts caps work-queue redeliveries before a message
// dead-letters.
const maxDeliveryAttempts = 3

type binding struct {
	exchange string
	pattern  string
}

// Consumer delivers events from one queue to registered handlers.
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	broadcast bool
	handlers  map[string]MessageHandler
	bindings  []binding
	logger    *logger.Logger
}

// NewWorkConsumer creates a consumer on a durable queue. Replicas naming
// the same queue share its messages; failed deliveries dead-letter after
// maxDeliveryAttempts.
func NewWorkConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	q, err := rmq.DeclareWorkQueue(queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return &Consumer{
		rmq:       rmq,
		queueName: q.Name,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}, nil
}

// NewBroadcastConsumer creates a consumer on a queue private to this
// replica. Every replica sees every message; an empty name lets the
// broker assign one. Failed deliveries are dropped, so handlers must be
// idempotent against missed messages.
func NewBroadcastConsumer(rmq *RabbitMQ, name string, log *logger.Logger) (*Consumer, error) {
	q, err := rmq.DeclareBroadcastQueue(name)
	if err != nil {
		return nil, fmt.Errorf("failed to declare broadcast queue: %w", err)
	}

	return &Consumer{
		rmq:       rmq,
		queueName: q.Name,
		broadcast: true,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}, nil
}

// Subscribe binds the queue to an exchange with a routing key pattern.
// Bindings are replayed when the consumer resumes after an outage.
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	c.bindings = append(c.bindings, binding{exchange: exchange, pattern: routingKeyPattern})

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start starts consuming messages from the queue
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go c.loop(ctx, msgs)
	return nil
}

func (c *Consumer) consume() (<-chan amqp.Delivery, error) {
	return c.rmq.Channel().Consume(
		c.queueName, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
}

func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn().Str("queue", c.queueName).Msg("delivery channel closed, resuming")
				next, err := c.resume(ctx)
				if err != nil {
					c.logger.Error().Err(err).Str("queue", c.queueName).Msg("consumer could not resume")
					return
				}
				msgs = next
				continue
			}
			c.handleMessage(ctx, msg)
		}
	}
}

// resume re-establishes the consumer after a broker outage. Broadcast
// queues die with their connection, so declarations and bindings replay
// on the new channel.
func (c *Consumer) resume(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := c.rmq.Reconnect(ctx); err != nil {
		return nil, err
	}

	var (
		q   amqp.Queue
		err error
	)
	if c.broadcast {
		q, err = c.rmq.DeclareBroadcastQueue("")
	} else {
		q, err = c.rmq.DeclareWorkQueue(c.queueName)
	}
	if err != nil {
		return nil, err
	}
	c.queueName = q.Name

	for _, b := range c.bindings {
		if err := c.rmq.BindQueue(c.queueName, b.exchange, b.pattern); err != nil {
			return nil, err
		}
	}

	return c.consume()
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal event")
		// Reject without requeue for malformed messages
		msg.Reject(false)
		return
	}

	// Add correlation ID to context
	ctx = WithCorrelationID(ctx, event.CorrelationID)

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().
			Str("event_type", event.Type).
			Msg("no handler registered for event type")
		msg.Ack(false)
		return
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	if err := handler(ctx, &event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Msg("failed to process event")

		// Private queues have no DLQ; drop and let the consumer
		// self-heal on the next event.
		if c.broadcast {
			msg.Reject(false)
			return
		}

		if msg.Redelivered || getRetryCount(msg) >= maxDeliveryAttempts {
			c.logger.Warn().
				Str("event_id", event.ID).
				Msg("delivery attempts exhausted, dead-lettering")
			msg.Reject(false)
			return
		}

		// Requeue for retry
		msg.Nack(false, true)
		return
	}

	msg.Ack(false)
}

func getRetryCount(msg amqp.Delivery) int {
	if msg.Headers == nil {
		return 0
	}

	if deaths, ok := msg.Headers["x-death"].([]interface{}); ok {
		for _, death := range deaths {
			if d, ok := death.(amqp.Table); ok {
				if count, ok := d["count"].(int64); ok {
					return int(count)
				}
			}
		}
	}

	return 0
}
