package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	commandsevents "aep-command/internal/commands/application/events"
	commands "aep-command/internal/commands/domain"
	"aep-command/internal/eventing"
)

type stubExecutions struct {
	mu   sync.Mutex
	exec *commands.CommandExecution
}

func (s *stubExecutions) GetByKey(_ context.Context, _ commands.ExecutionKey) (*commands.CommandExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		return nil, nil
	}
	copied := *s.exec
	return &copied, nil
}

type recordingChannel struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (c *recordingChannel) Send(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, content)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *recordingChannel) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func statusEvent(from, to string, terminal bool) commandsevents.ExecutionStatusChanged {
	return commandsevents.ExecutionStatusChanged{
		EventID:           "evt-" + to,
		ExecutionID:       11,
		TaskID:            3,
		TenantID:          "tenant-a",
		PipelineID:        1,
		ServiceIdentifier: "setPressureLimit",
		DeviceID:          7,
		AepTaskID:         "aep-1",
		From:              from,
		To:                to,
		Terminal:          terminal,
		ErrorMsg:          "no ack",
		OccurredAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestWebhookChannelPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.handleStatusChanged(context.Background(), statusEvent("SENT", "TIMEOUT", true)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("unexpected msgtype %q", payload.MsgType)
		}
		for _, want := range []string{"[Command Failed]", "Service: setPressureLimit", "Device: 7", "SENT -> TIMEOUT", "Error: no ack"} {
			if !strings.Contains(payload.Text.Content, want) {
				t.Fatalf("payload missing %q:\n%s", want, payload.Text.Content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not called")
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	if err := channel.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error on 500")
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatalf("expected error on empty url")
	}
}

func TestNotifierOnlyReportsFailures(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()
	_ = notifier.handleStatusChanged(ctx, statusEvent("SAVED", "SENT", false))
	_ = notifier.handleStatusChanged(ctx, statusEvent("DELIVERED", "COMPLETED", true))
	if channel.count() != 0 {
		t.Fatalf("expected no notifications, got %d", channel.count())
	}
	_ = notifier.handleStatusChanged(ctx, statusEvent("SAVED", "TTL_TIMEOUT", true))
	if channel.count() != 1 {
		t.Fatalf("expected ttl timeout notification, got %d", channel.count())
	}
	if err := notifier.handleStatusChanged(ctx, "not an event"); err == nil {
		t.Fatalf("expected error on unexpected payload")
	}
}

func TestNotifierCooldown(t *testing.T) {
	channel := &recordingChannel{}
	clock := fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithClock(clock), WithCooldown(time.Minute), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := statusEvent("SENT", "TIMEOUT", true)
	_ = notifier.handleStatusChanged(context.Background(), event)
	_ = notifier.handleStatusChanged(context.Background(), event)
	if channel.count() != 1 {
		t.Fatalf("expected cooldown to suppress duplicate, got %d", channel.count())
	}
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNotifierDedupeWindow(t *testing.T) {
	channel := &recordingChannel{}
	clock := &steppingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithClock(clock), WithDedupeWindow(5*time.Minute), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := statusEvent("SENT", "TIMEOUT", true)
	_ = notifier.handleStatusChanged(context.Background(), event)
	clock.advance(time.Minute)
	_ = notifier.handleStatusChanged(context.Background(), event)
	if channel.count() != 1 {
		t.Fatalf("expected identical content to be suppressed, got %d", channel.count())
	}
	clock.advance(5 * time.Minute)
	_ = notifier.handleStatusChanged(context.Background(), event)
	if channel.count() != 2 {
		t.Fatalf("expected resend after window, got %d", channel.count())
	}
}

func TestNotifierEvictsExpiredRecords(t *testing.T) {
	channel := &recordingChannel{}
	clock := &steppingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithClock(clock),
		WithCooldown(time.Minute), WithDedupeWindow(5*time.Minute), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	first := statusEvent("SENT", "TIMEOUT", true)
	_ = notifier.handleStatusChanged(context.Background(), first)
	if notifier.Tracked() != 1 {
		t.Fatalf("expected one record, got %d", notifier.Tracked())
	}

	clock.advance(10 * time.Minute)
	second := statusEvent("SENT", "TIMEOUT", true)
	second.AepTaskID = "aep-2"
	_ = notifier.handleStatusChanged(context.Background(), second)
	if channel.count() != 2 {
		t.Fatalf("expected two notifications, got %d", channel.count())
	}
	if notifier.Tracked() != 1 {
		t.Fatalf("expected expired record to be evicted, got %d", notifier.Tracked())
	}
}

func TestNotifierWithoutWindowsTracksNothing(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	_ = notifier.handleStatusChanged(context.Background(), statusEvent("SENT", "TIMEOUT", true))
	if channel.count() != 1 || notifier.Tracked() != 0 {
		t.Fatalf("unexpected state count=%d tracked=%d", channel.count(), notifier.Tracked())
	}
}

func TestNotifierSendFailureIsNotMarked(t *testing.T) {
	channel := &recordingChannel{err: errors.New("down")}
	notifier, err := NewNotifier(&stubExecutions{}, channel, nil, WithCooldown(time.Hour), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := statusEvent("SENT", "TIMEOUT", true)
	_ = notifier.handleStatusChanged(context.Background(), event)

	channel.mu.Lock()
	channel.err = nil
	channel.mu.Unlock()
	_ = notifier.handleStatusChanged(context.Background(), event)
	if channel.count() != 1 {
		t.Fatalf("expected retry after failed send, got %d", channel.count())
	}
}

func TestNotifierReportsStalledExecution(t *testing.T) {
	channel := &recordingChannel{}
	executions := &stubExecutions{exec: &commands.CommandExecution{
		ID:                11,
		CommandTaskID:     3,
		PipelineID:        1,
		DeviceID:          7,
		ServiceIdentifier: "setPressureLimit",
		AepTaskID:         "aep-1",
		Status:            commands.StatusSent,
	}}
	notifier, err := NewNotifier(executions, channel, nil, WithStallAfter(20*time.Millisecond), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	bus := eventing.NewInMemoryBus()
	notifier.Subscribe(bus, nil)
	if err := bus.Publish(context.Background(), statusEvent("SAVED", "SENT", false)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for channel.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stall notification not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(channel.last(), "[Command Stalled]") || !strings.Contains(channel.last(), "SENT -> SENT") {
		t.Fatalf("unexpected stall content:\n%s", channel.last())
	}
}

func TestNotifierTerminalCancelsStallCheck(t *testing.T) {
	channel := &recordingChannel{}
	executions := &stubExecutions{exec: &commands.CommandExecution{AepTaskID: "aep-1", DeviceID: 7, Status: commands.StatusSent}}
	notifier, err := NewNotifier(executions, channel, nil, WithStallAfter(time.Hour), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	ctx := context.Background()
	_ = notifier.handleDispatched(ctx, commandsevents.CommandDispatched{AepTaskID: "aep-1", DeviceID: 7})
	if notifier.Pending() != 1 {
		t.Fatalf("expected one pending stall check, got %d", notifier.Pending())
	}
	_ = notifier.handleStatusChanged(ctx, statusEvent("SENT", "SENT", false))
	if notifier.Pending() != 1 {
		t.Fatalf("expected rescheduled check, got %d", notifier.Pending())
	}
	_ = notifier.handleStatusChanged(ctx, statusEvent("DELIVERED", "COMPLETED", true))
	if notifier.Pending() != 0 {
		t.Fatalf("expected terminal status to cancel check, got %d", notifier.Pending())
	}
}

func TestMultiChannelJoinsErrors(t *testing.T) {
	ok := &recordingChannel{}
	failing := &recordingChannel{err: errors.New("boom")}
	multi := NewMultiChannel(ok, nil, failing)
	if multi.Len() != 2 {
		t.Fatalf("expected nil channel skipped, got %d", multi.Len())
	}
	err := multi.Send(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if ok.count() != 1 {
		t.Fatalf("expected healthy channel to receive message")
	}
}
