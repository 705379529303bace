package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"aep-command/internal/aepadapter"
	"aep-command/internal/auth"
	commandsevents "aep-command/internal/commands/application/events"
	commands "aep-command/internal/commands/domain"
	"aep-command/internal/commands/schema"
	"aep-command/internal/eventing"
	"aep-command/internal/observability/metrics"
)

// CreateTaskRequest describes a task to create.
type CreateTaskRequest struct {
	TenantID          string
	PipelineID        int64
	ServiceIdentifier string
	Name              string
	Args              json.RawMessage
	CreateBy          string
}

// SendRequest targets one device with an existing task.
type SendRequest struct {
	TaskID     int64
	DeviceID   int64
	DeviceSN   string
	PipelineID int64
}

// TaskService creates command tasks and dispatches them to devices.
type TaskService struct {
	metas      MetaRepository
	tasks      TaskRepository
	executions ExecutionRepository
	validator  SchemaValidator
	gateway    Gateway
	publisher  EventPublisher
	clock      Clock
	logger     *log.Logger
}

// TaskOption configures the task service.
type TaskOption func(*TaskService)

// WithClock overrides the time source.
func WithClock(clock Clock) TaskOption {
	return func(s *TaskService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) TaskOption {
	return func(s *TaskService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewTaskService constructs a task service. publisher may be nil.
func NewTaskService(metas MetaRepository, tasks TaskRepository, executions ExecutionRepository, validator SchemaValidator, gateway Gateway, publisher EventPublisher, opts ...TaskOption) (*TaskService, error) {
	if metas == nil || tasks == nil || executions == nil {
		return nil, errors.New("commands: nil repository")
	}
	if validator == nil {
		return nil, errors.New("commands: nil schema validator")
	}
	if gateway == nil {
		return nil, errors.New("commands: nil gateway")
	}
	s := &TaskService{
		metas:      metas,
		tasks:      tasks,
		executions: executions,
		validator:  validator,
		gateway:    gateway,
		publisher:  publisher,
		clock:      systemClock{},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateTask validates args against the definition's input schema and stores an immutable task.
func (s *TaskService) CreateTask(ctx context.Context, req CreateTaskRequest) (commands.CommandTask, error) {
	meta, err := s.metas.GetByKey(ctx, req.PipelineID, req.ServiceIdentifier)
	if err != nil {
		return commands.CommandTask{}, err
	}
	if meta == nil {
		return commands.CommandTask{}, fmt.Errorf("%w: command meta pipeline=%d service=%s", commands.ErrNotFound, req.PipelineID, req.ServiceIdentifier)
	}
	inputSchema, err := schema.InputSchema(meta.PayloadSchema)
	if err != nil {
		return commands.CommandTask{}, err
	}
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := s.validator.ValidateArgs(args, inputSchema); err != nil {
		return commands.CommandTask{}, err
	}

	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		tenantID = req.TenantID
	}
	if req.TenantID != "" && req.TenantID != tenantID {
		return commands.CommandTask{}, auth.ErrTenantMismatch
	}
	createBy := auth.SubjectFromContext(ctx)
	if createBy == "" {
		createBy = req.CreateBy
	}
	name := req.Name
	if name == "" {
		name = meta.Name
	}

	task := commands.NewCommandTask(tenantID, req.PipelineID, req.ServiceIdentifier, name, args, createBy, s.clock.Now())
	if err := s.tasks.Create(ctx, &task); err != nil {
		return commands.CommandTask{}, err
	}
	metrics.IncTaskCreated()
	s.logger.Printf("commands: task created id=%d pipeline=%d service=%s by=%s", task.ID, task.PipelineID, task.ServiceIdentifier, task.CreateBy)
	return task, nil
}

// GetTask returns a task visible to the caller's tenant.
func (s *TaskService) GetTask(ctx context.Context, taskID int64) (commands.CommandTask, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return commands.CommandTask{}, err
	}
	if task == nil {
		return commands.CommandTask{}, fmt.Errorf("%w: command task %d", commands.ErrNotFound, taskID)
	}
	if tenantID := auth.TenantIDFromContext(ctx); tenantID != "" && task.TenantID != "" && tenantID != task.TenantID {
		return commands.CommandTask{}, auth.ErrTenantMismatch
	}
	return *task, nil
}

// ListExecutions returns every execution created from a task.
func (s *TaskService) ListExecutions(ctx context.Context, taskID int64) ([]commands.CommandExecution, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.executions.ListByTask(ctx, taskID)
}

// PreviewContent renders the definition's AEP content template with the task args.
func (s *TaskService) PreviewContent(ctx context.Context, taskID int64) (json.RawMessage, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	meta, err := s.metas.GetByKey(ctx, task.PipelineID, task.ServiceIdentifier)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: command meta pipeline=%d service=%s", commands.ErrNotFound, task.PipelineID, task.ServiceIdentifier)
	}
	doc, err := commands.DecodePayloadSchema(meta.PayloadSchema)
	if err != nil {
		return nil, err
	}
	return schema.RenderTemplate(doc.AepContentTemplate, task.Args)
}

// SendCommand dispatches a task to one device and records the execution.
// It blocks for the gateway round-trip. No execution row exists when dispatch fails.
func (s *TaskService) SendCommand(ctx context.Context, req SendRequest) (string, error) {
	task, dispatch, err := s.prepareSend(ctx, req)
	if err != nil {
		return "", err
	}
	start := time.Now()
	aepTaskID, err := s.gateway.Dispatch(ctx, dispatch)
	// The command is live at AEP once dispatch succeeds; the row must be written
	// even if the caller has gone away.
	return s.recordDispatch(context.WithoutCancel(ctx), task, req, metrics.ModeSync, start, aepTaskID, err)
}

// SendCommandAsync runs SendCommand's two steps, dispatch then record, on a
// background goroutine. The returned future resolves to the AEP task id.
func (s *TaskService) SendCommandAsync(ctx context.Context, req SendRequest) *SendFuture {
	future := newSendFuture()
	workCtx := context.WithoutCancel(ctx)
	go func() {
		if !future.start() {
			future.complete("", context.Canceled)
			return
		}
		task, dispatch, err := s.prepareSend(workCtx, req)
		if err != nil {
			future.complete("", err)
			return
		}
		start := time.Now()
		aepTaskID, err := s.gateway.DispatchAsync(workCtx, dispatch).Wait(workCtx)
		future.complete(s.recordDispatch(workCtx, task, req, metrics.ModeAsync, start, aepTaskID, err))
	}()
	return future
}

func (s *TaskService) prepareSend(ctx context.Context, req SendRequest) (commands.CommandTask, aepadapter.DispatchRequest, error) {
	if req.DeviceSN == "" {
		return commands.CommandTask{}, aepadapter.DispatchRequest{}, commands.NewValidationError(commands.ErrValidation, "deviceSn", "device serial number is required")
	}
	task, err := s.GetTask(ctx, req.TaskID)
	if err != nil {
		return commands.CommandTask{}, aepadapter.DispatchRequest{}, err
	}
	if !json.Valid(task.Args) {
		return commands.CommandTask{}, aepadapter.DispatchRequest{}, commands.NewValidationError(commands.ErrArgsValidation, "args", "stored args are not valid JSON")
	}
	pipelineID := req.PipelineID
	if pipelineID == 0 {
		pipelineID = task.PipelineID
	}
	return task, aepadapter.DispatchRequest{
		DeviceSN:          req.DeviceSN,
		PipelineID:        pipelineID,
		ServiceIdentifier: task.ServiceIdentifier,
		Params:            task.Args,
	}, nil
}

func (s *TaskService) recordDispatch(ctx context.Context, task commands.CommandTask, req SendRequest, mode string, start time.Time, aepTaskID string, dispatchErr error) (string, error) {
	if dispatchErr != nil {
		metrics.ObserveDispatch(mode, metrics.ResultError, time.Since(start))
		s.logger.Printf("commands: dispatch failed task=%d device=%d mode=%s err=%v", task.ID, req.DeviceID, mode, dispatchErr)
		return "", fmt.Errorf("%w: %w", commands.ErrExternalDispatch, dispatchErr)
	}
	metrics.ObserveDispatch(mode, metrics.ResultSuccess, time.Since(start))

	pipelineID := req.PipelineID
	if pipelineID == 0 {
		pipelineID = task.PipelineID
	}
	now := s.clock.Now()
	exec := commands.CommandExecution{
		CommandTaskID:     task.ID,
		TenantID:          task.TenantID,
		PipelineID:        pipelineID,
		DeviceID:          req.DeviceID,
		DeviceSN:          req.DeviceSN,
		ServiceIdentifier: task.ServiceIdentifier,
		AepTaskID:         aepTaskID,
		Status:            commands.StatusSaved,
		RequestPayload:    task.Args,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.executions.Create(ctx, &exec); err != nil {
		s.logger.Printf("commands: record execution failed aep_task_id=%s device=%d err=%v", aepTaskID, req.DeviceID, err)
		return "", fmt.Errorf("commands: record execution for aep task %s: %w", aepTaskID, err)
	}
	s.logger.Printf("commands: dispatched task=%d device=%d aep_task_id=%s mode=%s", task.ID, req.DeviceID, aepTaskID, mode)

	if s.publisher != nil {
		eventID := eventing.NewEventID()
		event := commandsevents.CommandDispatched{
			EventID:           eventID,
			TaskID:            task.ID,
			ExecutionID:       exec.ID,
			TenantID:          exec.TenantID,
			PipelineID:        exec.PipelineID,
			ServiceIdentifier: exec.ServiceIdentifier,
			DeviceID:          exec.DeviceID,
			DeviceSN:          exec.DeviceSN,
			AepTaskID:         aepTaskID,
			Args:              task.Args,
			OccurredAt:        now,
		}
		pubCtx := eventing.WithEventID(ctx, eventID)
		pubCtx = eventing.WithTenantID(pubCtx, exec.TenantID)
		pubCtx = eventing.WithCorrelationID(pubCtx, aepTaskID)
		if err := s.publisher.Publish(pubCtx, event); err != nil {
			s.logger.Printf("commands: publish dispatched event failed aep_task_id=%s err=%v", aepTaskID, err)
		}
	}
	return aepTaskID, nil
}
