package commands

import (
	"encoding/json"
	"time"
)

// CommandTask is an immutable command definition with validated args.
type CommandTask struct {
	ID                int64           `json:"id"`
	TenantID          string          `json:"tenant_id"`
	PipelineID        int64           `json:"pipeline_id"`
	ServiceIdentifier string          `json:"service_identifier"`
	Name              string          `json:"name"`
	Args              json.RawMessage `json:"args"`
	CreateBy          string          `json:"create_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewCommandTask builds a task ready to be persisted.
func NewCommandTask(tenantID string, pipelineID int64, serviceIdentifier, name string, args json.RawMessage, createBy string, now time.Time) CommandTask {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return CommandTask{
		TenantID:          tenantID,
		PipelineID:        pipelineID,
		ServiceIdentifier: serviceIdentifier,
		Name:              name,
		Args:              append(json.RawMessage(nil), args...),
		CreateBy:          createBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
