// Package notification delivers escrow notifications after a transition has
// committed. Delivery is best effort: a failure is reported to the caller,
// which logs it, and never rolls anything back.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	envelopeType    = "escrow.notification"
	envelopeVersion = 1
)

// Envelope is the message published to subscribers.
type Envelope struct {
	ID            string              `json:"id"`
	Type          string              `json:"type"`
	Version       int                 `json:"version"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	PublishedAt   time.Time           `json:"published_at"`
	Notification  domain.Notification `json:"notification"`
}

// NewEnvelope wraps n with a fresh message id and the caller's correlation
// and trace identifiers.
func NewEnvelope(ctx context.Context, n domain.Notification, now time.Time) Envelope {
	metadata := make(map[string]string, len(n.Metadata)+3)
	for k, v := range n.Metadata {
		metadata[k] = v
	}
	n.Metadata = correlation.Annotate(ctx, metadata)

	return Envelope{
		ID:            ulid.Make().String(),
		Type:          envelopeType,
		Version:       envelopeVersion,
		CorrelationID: n.Metadata["correlation_id"],
		PublishedAt:   now.UTC(),
		Notification:  n,
	}
}

// Publisher is the subset of the redis client used for fan-out.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes envelopes on a pub/sub channel.
type RedisNotifier struct {
	client  Publisher
	channel string
	timeout time.Duration
	now     func() time.Time
}

func NewRedisNotifier(client Publisher, channel string) *RedisNotifier {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "escrow.notifications"
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

func (r *RedisNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if r == nil || r.client == nil {
		return errors.New("redis notifier not configured")
	}
	payload, err := json.Marshal(NewEnvelope(ctx, n, r.now()))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log. It is the default
// sink for local runs.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("escrow.notification")}
}

func (l *LogNotifier) Notify(ctx context.Context, n domain.Notification) error {
	fields := []zap.Field{
		zap.String("order_id", n.OrderID.String()),
		zap.String("event_type", string(n.EventType)),
		zap.String("status", string(n.Status)),
		zap.Strings("recipients", n.Recipients),
		zap.String("actor_id", n.ActorID),
		zap.Time("occurred_at", n.OccurredAt),
	}
	if n.MilestoneID != nil {
		fields = append(fields, zap.String("milestone_id", n.MilestoneID.String()))
	}
	if n.Amount != nil {
		fields = append(fields, zap.String("amount", n.Amount.String()))
	}
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	l.log.Info("escrow notification", fields...)
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []domain.Notifier

func (f Fanout) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
