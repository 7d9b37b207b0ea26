package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
// A nil Publisher is valid and drops every event, so callers never have to
// branch on whether NATS is configured. Publishing is best effort: failures
// are logged, never surfaced to the request path.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishChat publishes a chat exchange outcome.
func (p *Publisher) PublishChat(ctx context.Context, event ChatEvent) {
	p.publish(ctx, SubjectChat, event)
}

// PublishQuota publishes a quota rejection.
func (p *Publisher) PublishQuota(ctx context.Context, event QuotaEvent) {
	p.publish(ctx, SubjectQuota, event)
}

// PublishReconcile publishes a failed token commit for later replay.
func (p *Publisher) PublishReconcile(ctx context.Context, event ReconcileEvent) {
	p.publish(ctx, SubjectReconcile, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) {
	if p == nil || p.js == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Warn("marshaling event", "subject", subject, "error", err)
		return
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		slog.Warn("publishing event", "subject", subject, "error", err)
	}
}
