package events

import (
	"encoding/json"
	"time"
)

// CommandDispatched is emitted when AEP accepts a command and the execution row exists.
type CommandDispatched struct {
	EventID           string          `json:"event_id"`
	TaskID            int64           `json:"task_id"`
	ExecutionID       int64           `json:"execution_id"`
	TenantID          string          `json:"tenant_id"`
	PipelineID        int64           `json:"pipeline_id"`
	ServiceIdentifier string          `json:"service_identifier"`
	DeviceID          int64           `json:"device_id"`
	DeviceSN          string          `json:"device_sn"`
	AepTaskID         string          `json:"aep_task_id"`
	Args              json.RawMessage `json:"args"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// ExecutionStatusChanged is emitted after a successful status transition.
type ExecutionStatusChanged struct {
	EventID           string          `json:"event_id"`
	ExecutionID       int64           `json:"execution_id"`
	TaskID            int64           `json:"task_id"`
	TenantID          string          `json:"tenant_id"`
	PipelineID        int64           `json:"pipeline_id"`
	ServiceIdentifier string          `json:"service_identifier"`
	DeviceID          int64           `json:"device_id"`
	AepTaskID         string          `json:"aep_task_id"`
	From              string          `json:"from"`
	To                string          `json:"to"`
	Terminal          bool            `json:"terminal"`
	ResultDetail      json.RawMessage `json:"result_detail,omitempty"`
	ErrorMsg          string          `json:"error_msg,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}
