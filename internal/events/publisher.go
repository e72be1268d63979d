// Package events publishes settlement events to NATS JetStream for
// downstream consumers (the matching engine, accounting, notifications).
// Publishing is best-effort: the ledger row is the source of truth and a
// failed publish never fails the operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SettleCore/internal/observability"
)

// Event types carried on settle.events.{type}.
const (
	TypeOrderPlaced         = "order_placed"
	TypeOrderCancelled      = "order_cancelled"
	TypeTransferSettled     = "transfer_settled"
	TypeDepositCredited     = "deposit_credited"
	TypeDepositRejected     = "deposit_rejected"
	TypeWithdrawalBroadcast = "withdrawal_broadcast"
	TypeWithdrawalConfirmed = "withdrawal_confirmed"
)

// Envelope wraps every published event.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits settlement events. A nil Publisher is valid and drops
// everything, so engines can run without NATS in tests.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log, metrics: metrics}
}

// Publish sends one event on settle.events.{type}. Failures are logged
// and counted, never returned.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) {
	if p == nil || p.js == nil {
		return
	}

	env := Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Error().Err(err).Str("type", eventType).Msg("marshal event")
		return
	}

	subject := fmt.Sprintf("settle.events.%s", eventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("event publish failed")
		if p.metrics != nil {
			p.metrics.PublishFailures.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

// NudgeMatch signals the matching engine to attempt matching for an
// asset, on settle.match.{asset}.
func (p *Publisher) NudgeMatch(ctx context.Context, asset string) {
	if p == nil || p.js == nil {
		return
	}
	subject := fmt.Sprintf("settle.match.%s", asset)
	if _, err := p.js.Publish(ctx, subject, []byte(`{}`)); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("match nudge failed")
	}
}

// EnsureStream creates the settlement events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SETTLE_EVENTS",
		Subjects:  []string{"settle.events.>", "settle.match.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	log.Info().Str("stream", "SETTLE_EVENTS").Msg("ensured events stream")
	return nil
}
