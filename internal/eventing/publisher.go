package eventing

import (
	"context"
	"log"
)

// Publisher writes events to the outbox and nudges the dispatcher.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
	tenantID string
	logger   *log.Logger
}

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// NewPublisher constructs a publisher. dispatch may be nil when a ticker drains the outbox.
func NewPublisher(outbox OutboxWriter, dispatch *Dispatcher, tenantID string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{outbox: outbox, dispatch: dispatch, tenantID: tenantID, logger: logger}
}

// Publish writes the event to the outbox and triggers a small dispatch run.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.outbox == nil {
		return nil
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx, ""))
	if err != nil {
		return err
	}
	if env.TenantID == "" {
		env.TenantID = p.tenantID
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		return err
	}
	if p.dispatch != nil {
		if _, err := p.dispatch.Dispatch(ctx, 1); err != nil {
			p.logger.Printf("eventing: inline dispatch failed: event_id=%s err=%v", env.EventID, err)
		}
	}
	return nil
}
