package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	commands "aep-command/internal/commands/domain"
	"aep-command/internal/observability/metrics"
)

// CommandResponse is one device response pushed by AEP.
type CommandResponse struct {
	AepTaskID     string
	DeviceID      int64
	TargetStatus  string
	ResultPayload json.RawMessage
	RawCallback   string
	ErrorMsg      string
}

// Outcome classifies how a response was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIllegal   Outcome = "illegal"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// BatchResult summarises HandleBatch.
type BatchResult struct {
	Outcomes []Outcome
	Counts   map[Outcome]int
}

// ResponseHandler turns AEP responses into execution transitions. Failures
// are logged and never returned: AEP does not act on our answer.
type ResponseHandler struct {
	machine *StateMachine
	logger  *log.Logger
}

// NewResponseHandler constructs a response handler.
func NewResponseHandler(machine *StateMachine, logger *log.Logger) (*ResponseHandler, error) {
	if machine == nil {
		return nil, errors.New("commands: nil state machine")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ResponseHandler{machine: machine, logger: logger}, nil
}

// HandleCommandResponse applies one response.
func (h *ResponseHandler) HandleCommandResponse(ctx context.Context, resp CommandResponse) (outcome Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("commands: response handler panic aep_task_id=%s device_id=%d: %v", resp.AepTaskID, resp.DeviceID, r)
			outcome = OutcomeError
		}
		metrics.ObserveCallback(string(outcome), time.Since(start))
	}()

	if resp.AepTaskID == "" {
		h.logger.Printf("commands: response ignored: empty aep task id device_id=%d", resp.DeviceID)
		return OutcomeInvalid
	}
	target, ok := commands.ParseExecutionStatus(resp.TargetStatus)
	if !ok {
		h.logger.Printf("commands: response ignored: unknown status %q aep_task_id=%s device_id=%d", resp.TargetStatus, resp.AepTaskID, resp.DeviceID)
		return OutcomeInvalid
	}

	_, err := h.machine.Transition(ctx, TransitionContext{
		AepTaskID:     resp.AepTaskID,
		DeviceID:      resp.DeviceID,
		ResultPayload: resp.ResultPayload,
		RawCallback:   resp.RawCallback,
		ErrorMsg:      resp.ErrorMsg,
	}, target)
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, commands.ErrNotFound):
		h.logger.Printf("commands: response for unknown execution aep_task_id=%s device_id=%d status=%s", resp.AepTaskID, resp.DeviceID, target)
		return OutcomeNotFound
	case errors.Is(err, commands.ErrIllegalStateTransition):
		h.logger.Printf("commands: response rejected: %v aep_task_id=%s device_id=%d", err, resp.AepTaskID, resp.DeviceID)
		return OutcomeIllegal
	case errors.Is(err, commands.ErrStateTransitionFailed):
		h.logger.Printf("commands: response superseded: %v", err)
		return OutcomeDuplicate
	default:
		h.logger.Printf("commands: response failed aep_task_id=%s device_id=%d err=%v", resp.AepTaskID, resp.DeviceID, err)
		return OutcomeError
	}
}

// HandleBatch applies each response independently; one failing item never stops the rest.
func (h *ResponseHandler) HandleBatch(ctx context.Context, responses []CommandResponse) BatchResult {
	result := BatchResult{
		Outcomes: make([]Outcome, 0, len(responses)),
		Counts:   make(map[Outcome]int),
	}
	for _, resp := range responses {
		outcome := h.HandleCommandResponse(ctx, resp)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Counts[outcome]++
	}
	return result
}
