package record

import (
	"context"

	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
	"github.com/stratumhq/stratum-backend/pkg/patterncache"
)

// SchemaEventConsumer drops local schema and pattern caches when another
// replica commits a metadata write. A single replica never needs it; with
// several, the registry TTL alone bounds staleness and this consumer
// closes the gap.
type SchemaEventConsumer struct {
	consumer *messaging.Consumer
	registry *schema.Registry
	patterns *patterncache.Cache
	logger   *logger.Logger
}

// NewSchemaEventConsumer subscribes a replica-private queue to the
// metadata event families on the records exchange.
func NewSchemaEventConsumer(rmq *messaging.RabbitMQ, registry *schema.Registry, patterns *patterncache.Cache, log *logger.Logger) (*SchemaEventConsumer, error) {
	consumer, err := messaging.NewBroadcastConsumer(rmq, "", log)
	if err != nil {
		return nil, err
	}

	for _, pattern := range []string{"model.*", "field.*"} {
		if err := consumer.Subscribe(rmq.Exchange(), pattern); err != nil {
			return nil, err
		}
	}

	c := &SchemaEventConsumer{
		consumer: consumer,
		registry: registry,
		patterns: patterns,
		logger:   log.WithComponent("record.sync"),
	}

	for _, eventType := range []string{
		messaging.EventModelCreated,
		messaging.EventModelUpdated,
		messaging.EventModelDeleted,
		messaging.EventFieldCreated,
		messaging.EventFieldUpdated,
		messaging.EventFieldDeleted,
	} {
		consumer.RegisterHandler(eventType, c.handleMetadataChange)
	}

	return c, nil
}

// Start begins consuming in the background until ctx is cancelled.
func (c *SchemaEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// handleMetadataChange invalidates the tenant's cached schemas and
// compiled patterns. Events carry metadata row ids rather than the
// described model names, so the whole tenant refetches. The replica that
// performed the write receives its own event and re-invalidates.
func (c *SchemaEventConsumer) handleMetadataChange(ctx context.Context, event *messaging.Event) error {
	var change messaging.RecordChangeEvent
	if err := event.UnmarshalData(&change); err != nil {
		return err
	}
	if change.Tenant == "" {
		return nil
	}

	c.registry.InvalidateTenant(change.Tenant)
	c.patterns.InvalidateTenant(change.Tenant)

	c.logger.Debug().
		Str("tenant", change.Tenant).
		Str("event_type", event.Type).
		Msg("schema caches invalidated")

	return nil
}
