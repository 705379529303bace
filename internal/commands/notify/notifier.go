package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	commandsevents "aep-command/internal/commands/application/events"
	commands "aep-command/internal/commands/domain"
	"aep-command/internal/eventing"
)

// ConsumerName is the idempotency key for the notifier's subscriptions.
const ConsumerName = "commands.failure_notifier"

// Notification events.
const (
	EventFailed  = "failed"
	EventStalled = "stalled"
)

// ExecutionReader loads the current state of an execution.
type ExecutionReader interface {
	GetByKey(ctx context.Context, key commands.ExecutionKey) (*commands.CommandExecution, error)
}

// Clock provides time for dedupe bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier reports failed and stalled command executions to a channel.
type Notifier struct {
	executions     ExecutionReader
	channel        Channel
	template       *Template
	logger         *log.Logger
	stallAfter     time.Duration
	clock          Clock
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	timers map[commands.ExecutionKey]*time.Timer
	sent   map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithStallAfter reports executions that have not reached a terminal status
// within the given delay after their last transition.
func WithStallAfter(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.stallAfter = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout bounds the lookup done by a stall check.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same execution and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs a command notifier.
func NewNotifier(executions ExecutionReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if executions == nil {
		return nil, errors.New("command notifier: nil execution reader")
	}
	if channel == nil {
		return nil, errors.New("command notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		executions:     executions,
		channel:        channel,
		template:       template,
		logger:         log.Default(),
		clock:          systemClock{},
		requestTimeout: 5 * time.Second,
		timers:         make(map[commands.ExecutionKey]*time.Timer),
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Subscribe registers the notifier for command lifecycle events. store may be nil.
func (n *Notifier) Subscribe(bus eventing.Bus, store eventing.ProcessedStore) {
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.CommandDispatched](), ConsumerName+".dispatched", n.handleDispatched, store)
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.ExecutionStatusChanged](), ConsumerName+".status", n.handleStatusChanged, store)
}

func (n *Notifier) handleDispatched(ctx context.Context, event any) error {
	dispatched, ok := event.(commandsevents.CommandDispatched)
	if !ok {
		return errors.New("command notifier: unexpected dispatched payload")
	}
	n.scheduleStallCheck(commands.ExecutionKey{AepTaskID: dispatched.AepTaskID, DeviceID: dispatched.DeviceID})
	return nil
}

func (n *Notifier) handleStatusChanged(ctx context.Context, event any) error {
	changed, ok := event.(commandsevents.ExecutionStatusChanged)
	if !ok {
		return errors.New("command notifier: unexpected status payload")
	}
	key := commands.ExecutionKey{AepTaskID: changed.AepTaskID, DeviceID: changed.DeviceID}
	if !changed.Terminal {
		n.scheduleStallCheck(key)
		return nil
	}
	n.cancelStallCheck(key)
	if isFailure(changed.To) {
		n.dispatch(ctx, EventFailed, dataFromEvent(changed))
	}
	return nil
}

// Close stops all pending stall checks.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[commands.ExecutionKey]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}

// Pending reports how many stall checks are scheduled.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.timers)
}

func (n *Notifier) scheduleStallCheck(key commands.ExecutionKey) {
	if n.stallAfter <= 0 || key.AepTaskID == "" {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[key]; ok {
		existing.Stop()
	}
	n.timers[key] = time.AfterFunc(n.stallAfter, func() {
		n.runStallCheck(key)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelStallCheck(key commands.ExecutionKey) {
	n.mu.Lock()
	timer := n.timers[key]
	delete(n.timers, key)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runStallCheck(key commands.ExecutionKey) {
	n.mu.Lock()
	delete(n.timers, key)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
	defer cancel()

	exec, err := n.executions.GetByKey(ctx, key)
	if err != nil {
		n.logger.Printf("command notifier: stall check aep_task_id=%s device=%d err=%v", key.AepTaskID, key.DeviceID, err)
		return
	}
	if exec == nil || commands.IsTerminal(exec.Status) {
		return
	}
	n.dispatch(ctx, EventStalled, dataFromExecution(*exec))
}

func (n *Notifier) dispatch(ctx context.Context, event string, data TemplateData) {
	data.Event = event
	data.EventLabel = eventLabel(event)
	content, err := n.template.Render(data)
	if err != nil {
		n.logger.Printf("command notifier: render failed: %v", err)
		return
	}
	key := notificationKey(data.AepTaskID, data.DeviceID, event)
	if !n.shouldSend(key, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logger.Printf("command notifier: send failed aep_task_id=%s err=%v", data.AepTaskID, err)
		return
	}
	n.markSent(key, content)
}

func (n *Notifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

// markSent records a delivery and evicts records no longer inside the cooldown
// or dedupe window.
func (n *Notifier) markSent(key, content string) {
	retain := n.cooldown
	if n.dedupeWindow > retain {
		retain = n.dedupeWindow
	}
	if retain <= 0 {
		return
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, record := range n.sent {
		if now.Sub(record.at) >= retain {
			delete(n.sent, k)
		}
	}
	n.sent[key] = sendRecord{at: now, hash: hashContent(content)}
}

// Tracked reports how many delivery records are held for cooldown and dedupe.
func (n *Notifier) Tracked() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func dataFromEvent(e commandsevents.ExecutionStatusChanged) TemplateData {
	return TemplateData{
		TenantID:    e.TenantID,
		PipelineID:  e.PipelineID,
		Service:     e.ServiceIdentifier,
		DeviceID:    e.DeviceID,
		TaskID:      e.TaskID,
		ExecutionID: e.ExecutionID,
		AepTaskID:   e.AepTaskID,
		From:        e.From,
		To:          e.To,
		ErrorMsg:    e.ErrorMsg,
		OccurredAt:  e.OccurredAt.UTC().Format(time.RFC3339),
	}
}

func dataFromExecution(exec commands.CommandExecution) TemplateData {
	status := exec.Status.String()
	return TemplateData{
		TenantID:    exec.TenantID,
		PipelineID:  exec.PipelineID,
		Service:     exec.ServiceIdentifier,
		DeviceID:    exec.DeviceID,
		TaskID:      exec.CommandTaskID,
		ExecutionID: exec.ID,
		AepTaskID:   exec.AepTaskID,
		From:        status,
		To:          status,
		ErrorMsg:    exec.ExternalErrorMsg,
		OccurredAt:  exec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func isFailure(status string) bool {
	parsed, ok := commands.ParseExecutionStatus(status)
	return ok && (parsed == commands.StatusTimeout || parsed == commands.StatusTTLTimeout)
}

func eventLabel(event string) string {
	switch event {
	case EventFailed:
		return "Failed"
	case EventStalled:
		return "Stalled"
	default:
		return event
	}
}

func notificationKey(aepTaskID string, deviceID int64, event string) string {
	return aepTaskID + "|" + strconv.FormatInt(deviceID, 10) + "|" + event
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
