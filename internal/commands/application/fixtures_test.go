package application

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"aep-command/internal/aepadapter"
	"aep-command/internal/commands/infrastructure/memory"
	"aep-command/internal/commands/schema"
)

const pressureSchema = `{
	"serviceIdentifier": "setPressureLimit",
	"inputSchema": {
		"type": "object",
		"properties": {
			"limit": {"type": "double"},
			"unit": {"type": "string"}
		},
		"required": ["limit"],
		"additionalProperties": false
	},
	"aepContentTemplate": {"params": {"limit": "${args.limit}", "unit": "${args.unit}"}}
}`

var quietLogger = log.New(io.Discard, "", 0)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubGateway struct {
	aepTaskID string
	err       error
	calls     atomic.Int32
	release   chan struct{}
	entered   chan struct{}

	mu   sync.Mutex
	last aepadapter.DispatchRequest
}

func (g *stubGateway) Dispatch(ctx context.Context, req aepadapter.DispatchRequest) (string, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.last = req
	g.mu.Unlock()
	if g.entered != nil {
		close(g.entered)
	}
	if g.release != nil {
		<-g.release
	}
	return g.aepTaskID, g.err
}

func (g *stubGateway) DispatchAsync(ctx context.Context, req aepadapter.DispatchRequest) *aepadapter.Future {
	future := aepadapter.NewFuture()
	go func() {
		future.Complete(g.Dispatch(ctx, req))
	}()
	return future
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) snapshot() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

type harness struct {
	metas      *memory.MetaRepository
	tasks      *memory.TaskRepository
	executions *memory.ExecutionRepository
	gateway    *stubGateway
	publisher  *recordingPublisher
	registry   *Registry
	service    *TaskService
	machine    *StateMachine
	handler    *ResponseHandler
}

func newHarness(gateway *stubGateway) *harness {
	h := &harness{
		metas:      memory.NewMetaRepository(),
		tasks:      memory.NewTaskRepository(),
		executions: memory.NewExecutionRepository(),
		gateway:    gateway,
		publisher:  &recordingPublisher{},
	}
	validator := schema.NewValidator()
	clock := fixedClock{now: time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)}
	var err error
	if h.registry, err = NewRegistry(h.metas, validator, quietLogger); err != nil {
		panic(err)
	}
	if h.service, err = NewTaskService(h.metas, h.tasks, h.executions, validator, gateway, h.publisher, WithClock(clock), WithLogger(quietLogger)); err != nil {
		panic(err)
	}
	if h.machine, err = NewStateMachine(h.executions, h.publisher, clock, quietLogger); err != nil {
		panic(err)
	}
	if h.handler, err = NewResponseHandler(h.machine, quietLogger); err != nil {
		panic(err)
	}
	return h
}

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }
