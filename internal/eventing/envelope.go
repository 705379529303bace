package eventing

import (
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

// Envelope wraps event payload with metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	TenantID      string          `json:"tenant_id"`
	PipelineID    int64           `json:"pipeline_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
	TenantID      string
	PipelineID    int64
	SchemaVersion int
}

// BuildEnvelope constructs an envelope from event payload and metadata.
// Zero meta fields fall back to same-named fields of the event.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	tenantID := meta.TenantID
	if tenantID == "" {
		tenantID, _ = eventField(event, "TenantID").(string)
	}
	pipelineID := meta.PipelineID
	if pipelineID == 0 {
		pipelineID, _ = eventField(event, "PipelineID").(int64)
	}
	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt, _ = eventField(event, "OccurredAt").(time.Time)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	eventID := meta.EventID
	if eventID == "" {
		eventID, _ = eventField(event, "EventID").(string)
	}
	if eventID == "" {
		eventID = NewEventID()
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}
	schemaVersion := meta.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	return Envelope{
		EventID:       eventID,
		EventType:     EventType(event),
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
		TenantID:      tenantID,
		PipelineID:    pipelineID,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}, nil
}

func eventField(event any, name string) any {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return nil
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return nil
	}
	field := value.FieldByName(name)
	if !field.IsValid() || !field.CanInterface() {
		return nil
	}
	return field.Interface()
}
