package application

import (
	"context"
	"encoding/json"
	"time"

	"aep-command/internal/aepadapter"
	commands "aep-command/internal/commands/domain"
)

// MetaRepository persists command metadata. Get methods return nil, nil when absent.
type MetaRepository interface {
	// Upsert inserts a new definition (version 1, UNVERIFIED) or, when the
	// (pipeline, service) key exists, updates it and bumps the version.
	Upsert(ctx context.Context, meta commands.CommandMeta) (commands.CommandMeta, error)
	UpdateByID(ctx context.Context, meta commands.CommandMeta) error
	SetStatus(ctx context.Context, id int64, status commands.MetaStatus) error
	CompareAndSetStatus(ctx context.Context, id int64, expected, target commands.MetaStatus) (int64, error)
	GetByID(ctx context.Context, id int64) (*commands.CommandMeta, error)
	GetByKey(ctx context.Context, pipelineID int64, serviceIdentifier string) (*commands.CommandMeta, error)
	ListByPipeline(ctx context.Context, pipelineID int64) ([]commands.CommandMeta, error)
}

// TaskRepository persists immutable command tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *commands.CommandTask) error
	GetByID(ctx context.Context, id int64) (*commands.CommandTask, error)
}

// ExecutionRepository persists per-device executions.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *commands.CommandExecution) error
	GetByKey(ctx context.Context, key commands.ExecutionKey) (*commands.CommandExecution, error)
	ListByTask(ctx context.Context, taskID int64) ([]commands.CommandExecution, error)
	// UpdateStatus applies target only while the stored status equals expected
	// and reports the affected row count (0 or 1).
	UpdateStatus(ctx context.Context, key commands.ExecutionKey, expected, target commands.ExecutionStatus, patch commands.StatusPatch) (int64, error)
}

// SchemaValidator validates payload schemas and args.
type SchemaValidator interface {
	ValidateSchema(doc json.RawMessage, serviceIdentifier string) error
	ValidateArgs(args json.RawMessage, inputSchema json.RawMessage) error
}

// Gateway dispatches commands to the device platform.
type Gateway interface {
	Dispatch(ctx context.Context, req aepadapter.DispatchRequest) (string, error)
	DispatchAsync(ctx context.Context, req aepadapter.DispatchRequest) *aepadapter.Future
}

// EventPublisher records domain events.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
