package record

import (
	"context"

	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
)

// AMQPChangePublisher fans committed batches out on the records
// exchange. Only ids cross the wire; consumers read the data back under
// their own credentials. A publish failure is logged and swallowed, it
// never affects the already-committed write.
type AMQPChangePublisher struct {
	pub *messaging.Publisher
	log *logger.Logger
}

func NewAMQPChangePublisher(pub *messaging.Publisher, log *logger.Logger) *AMQPChangePublisher {
	return &AMQPChangePublisher{
		pub: pub,
		log: log.WithComponent("record.events"),
	}
}

func (a *AMQPChangePublisher) PublishChange(ctx context.Context, tenant, model, operation string, recordIDs []string, changedBy string) {
	payload := messaging.RecordChangeEvent{
		Tenant:    tenant,
		Model:     model,
		Operation: operation,
		RecordIDs: recordIDs,
		ChangedBy: changedBy,
	}
	if err := a.pub.Publish(ctx, changeEventType(model, operation), payload); err != nil {
		a.log.Error().
			Err(err).
			Str("tenant", tenant).
			Str("model", model).
			Str("operation", operation).
			Msg("failed to publish change event")
	}
}

// changeEventType maps a batch to its routing key. Metadata writes get
// their own event families so schema consumers need not inspect every
// record event.
func changeEventType(model, operation string) string {
	switch model {
	case "models":
		switch operation {
		case OpCreate:
			return messaging.EventModelCreated
		case OpDelete:
			return messaging.EventModelDeleted
		default:
			return messaging.EventModelUpdated
		}
	case "fields":
		switch operation {
		case OpCreate:
			return messaging.EventFieldCreated
		case OpDelete:
			return messaging.EventFieldDeleted
		default:
			return messaging.EventFieldUpdated
		}
	default:
		switch operation {
		case OpCreate:
			return messaging.EventRecordCreated
		case OpDelete:
			return messaging.EventRecordDeleted
		case OpPurge:
			return messaging.EventRecordPurged
		case OpRevert:
			return messaging.EventRecordReverted
		default:
			return messaging.EventRecordUpdated
		}
	}
}
