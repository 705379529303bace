package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	commandsevents "aep-command/internal/commands/application/events"
	commands "aep-command/internal/commands/domain"
	"aep-command/internal/eventing"
	"aep-command/internal/observability/metrics"
)

// TransitionContext carries the execution key and the callback data written with a transition.
type TransitionContext struct {
	AepTaskID     string
	DeviceID      int64
	ResultPayload json.RawMessage
	RawCallback   string
	ErrorMsg      string
}

// StateMachine applies execution status transitions with a compare-and-swap update.
type StateMachine struct {
	executions ExecutionRepository
	publisher  EventPublisher
	clock      Clock
	logger     *log.Logger
}

// NewStateMachine constructs a state machine. publisher may be nil.
func NewStateMachine(executions ExecutionRepository, publisher EventPublisher, clock Clock, logger *log.Logger) (*StateMachine, error) {
	if executions == nil {
		return nil, errors.New("commands: nil execution repository")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StateMachine{executions: executions, publisher: publisher, clock: clock, logger: logger}, nil
}

// Transition moves the execution identified by tc to target. It returns
// ErrNotFound, a *TransitionError for pairs outside the table, or
// ErrStateTransitionFailed when a concurrent writer changed the row first.
func (m *StateMachine) Transition(ctx context.Context, tc TransitionContext, target commands.ExecutionStatus) (commands.CommandExecution, error) {
	key := commands.ExecutionKey{AepTaskID: tc.AepTaskID, DeviceID: tc.DeviceID}
	exec, err := m.executions.GetByKey(ctx, key)
	if err != nil {
		return commands.CommandExecution{}, err
	}
	if exec == nil {
		return commands.CommandExecution{}, fmt.Errorf("%w: execution aep_task_id=%s device_id=%d", commands.ErrNotFound, key.AepTaskID, key.DeviceID)
	}
	current := exec.Status
	if err := commands.CheckTransition(current, target); err != nil {
		metrics.IncTransition(current.String(), target.String(), "illegal")
		return *exec, err
	}

	now := m.clock.Now()
	patch := commands.StatusPatch{
		ResultDetail: tc.ResultPayload,
		RawCallback:  tc.RawCallback,
		CallbackTime: now,
	}
	switch target {
	case commands.StatusSent:
		patch.SentTime = now
	case commands.StatusTimeout, commands.StatusTTLTimeout:
		patch.ExternalErrorMsg = tc.ErrorMsg
		if patch.ExternalErrorMsg == "" {
			patch.ExternalErrorMsg = "device did not respond: " + target.String()
		}
	}

	affected, err := m.executions.UpdateStatus(ctx, key, current, target, patch)
	if err != nil {
		metrics.IncTransition(current.String(), target.String(), metrics.ResultError)
		return *exec, err
	}
	if affected == 0 {
		metrics.IncTransition(current.String(), target.String(), "conflict")
		m.logger.Printf("commands: transition lost race aep_task_id=%s device_id=%d expected=%s target=%s", key.AepTaskID, key.DeviceID, current, target)
		return *exec, fmt.Errorf("%w: aep_task_id=%s device_id=%d expected=%s", commands.ErrStateTransitionFailed, key.AepTaskID, key.DeviceID, current)
	}
	metrics.IncTransition(current.String(), target.String(), metrics.ResultSuccess)

	updated := applyPatch(*exec, target, patch, now)
	m.publishChanged(ctx, updated, current)
	return updated, nil
}

func applyPatch(exec commands.CommandExecution, target commands.ExecutionStatus, patch commands.StatusPatch, now time.Time) commands.CommandExecution {
	exec.Status = target
	if len(patch.ResultDetail) > 0 {
		exec.ResultDetail = patch.ResultDetail
	}
	if patch.RawCallback != "" {
		exec.LastRawCallback = patch.RawCallback
	}
	if !patch.CallbackTime.IsZero() {
		exec.LastCallbackTime = patch.CallbackTime
	}
	if !patch.SentTime.IsZero() {
		exec.SentTime = patch.SentTime
	}
	if patch.ExternalErrorMsg != "" {
		exec.ExternalErrorMsg = patch.ExternalErrorMsg
	}
	exec.UpdatedAt = now
	return exec
}

func (m *StateMachine) publishChanged(ctx context.Context, exec commands.CommandExecution, from commands.ExecutionStatus) {
	if m.publisher == nil {
		return
	}
	eventID := eventing.NewEventID()
	event := commandsevents.ExecutionStatusChanged{
		EventID:           eventID,
		ExecutionID:       exec.ID,
		TaskID:            exec.CommandTaskID,
		TenantID:          exec.TenantID,
		PipelineID:        exec.PipelineID,
		ServiceIdentifier: exec.ServiceIdentifier,
		DeviceID:          exec.DeviceID,
		AepTaskID:         exec.AepTaskID,
		From:              from.String(),
		To:                exec.Status.String(),
		Terminal:          commands.IsTerminal(exec.Status),
		ResultDetail:      exec.ResultDetail,
		ErrorMsg:          exec.ExternalErrorMsg,
		OccurredAt:        exec.UpdatedAt,
	}
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithTenantID(ctx, exec.TenantID)
	ctx = eventing.WithCorrelationID(ctx, exec.AepTaskID)
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Printf("commands: publish status event failed aep_task_id=%s err=%v", exec.AepTaskID, err)
	}
}
