package commands

import (
	"encoding/json"
	"time"
)

// MetaStatus is the review status of a command definition.
type MetaStatus int16

const (
	MetaUnverified MetaStatus = 0
	MetaVerified   MetaStatus = 1
	MetaDeprecated MetaStatus = 2
)

func (s MetaStatus) String() string {
	switch s {
	case MetaUnverified:
		return "UNVERIFIED"
	case MetaVerified:
		return "VERIFIED"
	case MetaDeprecated:
		return "DEPRECATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the status by name.
func (s MetaStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CommandMeta defines which commands a (pipeline, service) accepts.
type CommandMeta struct {
	ID                int64           `json:"id"`
	PipelineID        int64           `json:"pipeline_id"`
	ServiceIdentifier string          `json:"service_identifier"`
	Name              string          `json:"name"`
	Version           int             `json:"version"`
	PayloadSchema     json.RawMessage `json:"payload_schema"`
	Status            MetaStatus      `json:"status"`
	Remark            string          `json:"remark"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PayloadSchemaDoc is the decoded top level of a payload schema.
type PayloadSchemaDoc struct {
	ServiceIdentifier  string          `json:"serviceIdentifier"`
	InputSchema        json.RawMessage `json:"inputSchema"`
	AepContentTemplate json.RawMessage `json:"aepContentTemplate"`
}

// DecodePayloadSchema splits a stored payload schema into its parts.
func DecodePayloadSchema(raw json.RawMessage) (PayloadSchemaDoc, error) {
	var doc PayloadSchemaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return PayloadSchemaDoc{}, err
	}
	return doc, nil
}
