package eventing_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"aep-command/internal/eventing"
	"aep-command/internal/eventing/infrastructure/memory"
)

type sampleEvent struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	PipelineID int64     `json:"pipeline_id"`
	Value      int       `json:"value"`
	OccurredAt time.Time `json:"occurred_at"`
}

type fixture struct {
	bus        *eventing.InMemoryBus
	outbox     *memory.OutboxStore
	processed  *memory.ProcessedStore
	dlq        *memory.DLQStore
	dispatcher *eventing.Dispatcher
	publisher  *eventing.Publisher
}

func newFixture(inline bool) *fixture {
	logger := log.New(io.Discard, "", 0)
	f := &fixture{
		bus:       eventing.NewInMemoryBus(),
		outbox:    memory.NewOutboxStore(),
		processed: memory.NewProcessedStore(),
		dlq:       memory.NewDLQStore(),
	}
	registry := eventing.NewRegistry()
	registry.Register(&sampleEvent{})
	f.dispatcher = eventing.NewDispatcher(f.bus, f.outbox, registry, f.dlq, logger)
	var dispatch *eventing.Dispatcher
	if inline {
		dispatch = f.dispatcher
	}
	f.publisher = eventing.NewPublisher(f.outbox, dispatch, "tenant-default", logger)
	return f
}

func TestPublishDispatchesInline(t *testing.T) {
	f := newFixture(true)
	var got []sampleEvent
	var envs []eventing.Envelope
	eventing.Subscribe(f.bus, eventing.EventTypeOf[sampleEvent](), "collector", func(ctx context.Context, event any) error {
		env, _ := eventing.EnvelopeFromContext(ctx)
		envs = append(envs, env)
		got = append(got, event.(sampleEvent))
		return nil
	}, f.processed)

	if err := f.publisher.Publish(context.Background(), sampleEvent{EventID: "evt-1", PipelineID: 3, Value: 42}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0].Value != 42 {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if envs[0].EventID != "evt-1" || envs[0].TenantID != "tenant-default" || envs[0].PipelineID != 3 {
		t.Fatalf("unexpected envelope: %+v", envs[0])
	}
	if f.outbox.Pending() != 0 {
		t.Fatalf("expected drained outbox, got %d pending", f.outbox.Pending())
	}
}

func TestEventTenantWinsOverDefault(t *testing.T) {
	f := newFixture(true)
	var tenant string
	f.bus.Subscribe(eventing.EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		env, _ := eventing.EnvelopeFromContext(ctx)
		tenant = env.TenantID
		return nil
	})
	if err := f.publisher.Publish(context.Background(), sampleEvent{TenantID: "tenant-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if tenant != "tenant-a" {
		t.Fatalf("expected event tenant, got %q", tenant)
	}
}

func TestPublishWithoutDispatcherDefersDelivery(t *testing.T) {
	f := newFixture(false)
	delivered := 0
	f.bus.Subscribe(eventing.EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		delivered++
		return nil
	})

	if err := f.publisher.Publish(context.Background(), sampleEvent{EventID: "evt-deferred"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 0 || f.outbox.Pending() != 1 {
		t.Fatalf("expected pending event, delivered=%d pending=%d", delivered, f.outbox.Pending())
	}

	result, err := f.dispatcher.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Sent != 1 || delivered != 1 {
		t.Fatalf("unexpected dispatch result=%+v delivered=%d", result, delivered)
	}
}

func TestIdempotentConsumer(t *testing.T) {
	f := newFixture(false)
	count := 0
	eventing.Subscribe(f.bus, eventing.EventTypeOf[sampleEvent](), "counter", func(ctx context.Context, event any) error {
		count++
		return nil
	}, f.processed)

	ctx := eventing.WithEventID(context.Background(), "evt-dup")
	for i := 0; i < 2; i++ {
		if err := f.publisher.Publish(ctx, sampleEvent{Value: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	result, err := f.dispatcher.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Claimed != 2 || result.Sent != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if count != 1 {
		t.Fatalf("expected handler once, got %d", count)
	}
}

func TestFailedHandlerGoesToDLQ(t *testing.T) {
	f := newFixture(false)
	f.bus.Subscribe(eventing.EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		return errors.New("boom")
	})
	if err := f.publisher.Publish(context.Background(), sampleEvent{Value: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	result, err := f.dispatcher.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Failed != 1 || result.DLQ != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.dlq.Len() != 1 {
		t.Fatalf("expected 1 dead letter, got %d", f.dlq.Len())
	}
	if f.outbox.Pending() != 0 {
		t.Fatalf("failed record must leave the pending set")
	}
}

func TestUnknownEventTypeGoesToDLQ(t *testing.T) {
	f := newFixture(false)
	if _, err := f.outbox.Insert(context.Background(), eventing.Envelope{EventID: "evt-x", EventType: "unknown.Type", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	result, _ := f.dispatcher.Dispatch(context.Background(), 10)
	if result.Failed != 1 || f.dlq.Len() != 1 {
		t.Fatalf("unexpected result: %+v dlq=%d", result, f.dlq.Len())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(false)
	delivered := make(chan struct{}, 1)
	f.bus.Subscribe(eventing.EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return nil
	})
	if err := f.publisher.Publish(context.Background(), sampleEvent{Value: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(ctx, 5*time.Millisecond, 10)
		close(done)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("ticker did not deliver")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
