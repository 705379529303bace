package commands

import (
	"encoding/json"
	"strings"
	"time"
)

// ExecutionStatus is the persisted lifecycle code of a command execution.
// Codes are stored as SMALLINT and must never be renumbered.
type ExecutionStatus int16

const (
	StatusSaved      ExecutionStatus = 0
	StatusSent       ExecutionStatus = 1
	StatusDelivered  ExecutionStatus = 2
	StatusCompleted  ExecutionStatus = 3
	StatusTTLTimeout ExecutionStatus = 4
	StatusTimeout    ExecutionStatus = 5
)

var statusNames = map[ExecutionStatus]string{
	StatusSaved:      "SAVED",
	StatusSent:       "SENT",
	StatusDelivered:  "DELIVERED",
	StatusCompleted:  "COMPLETED",
	StatusTTLTimeout: "TTL_TIMEOUT",
	StatusTimeout:    "TIMEOUT",
}

// AllStatuses lists every execution status in code order.
func AllStatuses() []ExecutionStatus {
	return []ExecutionStatus{StatusSaved, StatusSent, StatusDelivered, StatusCompleted, StatusTTLTimeout, StatusTimeout}
}

func (s ExecutionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether s is a known code.
func (s ExecutionStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// MarshalJSON renders the status by name.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseExecutionStatus resolves a status name. The AEP platform spells
// TTL_TIMEOUT without the underscore, both forms are accepted.
func ParseExecutionStatus(name string) (ExecutionStatus, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "TTLTIMEOUT" {
		return StatusTTLTimeout, true
	}
	for status, statusName := range statusNames {
		if statusName == normalized {
			return status, true
		}
	}
	return 0, false
}

// CommandExecution tracks one dispatched command on one device.
type CommandExecution struct {
	ID                int64           `json:"id"`
	CommandTaskID     int64           `json:"command_task_id"`
	TenantID          string          `json:"tenant_id"`
	PipelineID        int64           `json:"pipeline_id"`
	DeviceID          int64           `json:"device_id"`
	DeviceSN          string          `json:"device_sn"`
	ServiceIdentifier string          `json:"service_identifier"`
	AepTaskID         string          `json:"aep_task_id"`
	Status            ExecutionStatus `json:"status"`
	ExternalErrorMsg  string          `json:"external_error_msg,omitempty"`
	RequestPayload    json.RawMessage `json:"request_payload"`
	ResultDetail      json.RawMessage `json:"result_detail,omitempty"`
	LastRawCallback   string          `json:"last_raw_callback,omitempty"`
	SentTime          time.Time       `json:"sent_time,omitempty"`
	LastCallbackTime  time.Time       `json:"last_callback_time,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExecutionKey identifies an execution by its gateway task id and device.
type ExecutionKey struct {
	AepTaskID string
	DeviceID  int64
}

// StatusPatch holds the columns written together with a status change.
type StatusPatch struct {
	ResultDetail     json.RawMessage
	RawCallback      string
	CallbackTime     time.Time
	SentTime         time.Time
	ExternalErrorMsg string
}
