package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types. The routing key on the records exchange is the event type,
// so subscribers can bind "record.*", "model.*" or a single operation.
const (
	EventRecordCreated  = "record.created"
	EventRecordUpdated  = "record.updated"
	EventRecordDeleted  = "record.deleted"
	EventRecordReverted = "record.reverted"
	EventRecordPurged   = "record.purged"

	EventModelCreated = "model.created"
	EventModelUpdated = "model.updated"
	EventModelDeleted = "model.deleted"

	EventFieldCreated = "field.created"
	EventFieldUpdated = "field.updated"
	EventFieldDeleted = "field.deleted"

	EventTenantCreated = "tenant.created"
	EventTenantDeleted = "tenant.deleted"
)

// Event is the wire envelope for every published message.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// RecordChangeEvent is the payload of record.*, model.* and field.*
// events. Record ids rather than full payloads cross the wire; consumers
// that need the data read it back under their own credentials.
type RecordChangeEvent struct {
	Tenant    string   `json:"tenant"`
	Model     string   `json:"model"`
	Operation string   `json:"operation"`
	RecordIDs []string `json:"record_ids"`
	ChangedBy string   `json:"changed_by,omitempty"`
}

// TenantEvent is the payload of tenant.* events.
type TenantEvent struct {
	Tenant string `json:"tenant"`
	DBType string `json:"db_type,omitempty"`
}
