package interfaces

import (
	"context"
	"errors"
	"log"

	commandsevents "aep-command/internal/commands/application/events"
	"aep-command/internal/eventing"
)

// Consumer names used for idempotency bookkeeping.
const (
	ConsumerDispatchedLogger = "commands.dispatched_logger"
	ConsumerStatusLogger     = "commands.status_logger"
)

// EventLogger logs command lifecycle events delivered from the outbox.
type EventLogger struct {
	logger *log.Logger
}

// NewEventLogger constructs an event logger.
func NewEventLogger(logger *log.Logger) *EventLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &EventLogger{logger: logger}
}

// Subscribe registers the logger for both command events. store may be nil.
func (l *EventLogger) Subscribe(bus eventing.Bus, store eventing.ProcessedStore) {
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.CommandDispatched](), ConsumerDispatchedLogger, l.handleDispatched, store)
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.ExecutionStatusChanged](), ConsumerStatusLogger, l.handleStatusChanged, store)
}

func (l *EventLogger) handleDispatched(ctx context.Context, event any) error {
	dispatched, ok := event.(commandsevents.CommandDispatched)
	if !ok {
		return errors.New("commands event logger: unexpected dispatched payload")
	}
	l.logger.Printf("command dispatched: task=%d execution=%d device=%d aep_task_id=%s service=%s",
		dispatched.TaskID, dispatched.ExecutionID, dispatched.DeviceID, dispatched.AepTaskID, dispatched.ServiceIdentifier)
	return nil
}

func (l *EventLogger) handleStatusChanged(ctx context.Context, event any) error {
	changed, ok := event.(commandsevents.ExecutionStatusChanged)
	if !ok {
		return errors.New("commands event logger: unexpected status payload")
	}
	if changed.Terminal && changed.ErrorMsg != "" {
		l.logger.Printf("command failed: execution=%d device=%d aep_task_id=%s %s->%s err=%s",
			changed.ExecutionID, changed.DeviceID, changed.AepTaskID, changed.From, changed.To, changed.ErrorMsg)
		return nil
	}
	l.logger.Printf("command status: execution=%d device=%d aep_task_id=%s %s->%s terminal=%t",
		changed.ExecutionID, changed.DeviceID, changed.AepTaskID, changed.From, changed.To, changed.Terminal)
	return nil
}
