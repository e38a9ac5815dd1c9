// Package notify delivers best-effort user-facing status notifications.
// Delivery is fire-and-forget: sinks may fail without affecting the
// classification flow.
package notify

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Severity classifies a notification for display purposes.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Notification is a user-visible status message.
type Notification struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Sink consumes notifications. Implementations must swallow their own
// delivery failures.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a log-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Notify(_ context.Context, n Notification) {
	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("description", n.Description),
	}
	switch n.Severity {
	case SeverityError:
		s.logger.Warn("notification", fields...)
	default:
		s.logger.Info("notification", fields...)
	}
}

// RedisSink publishes notifications to a Redis pub/sub channel so external
// consumers (UI gateways, bots) can mirror them.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisSink constructs a pub/sub backed sink.
func NewRedisSink(client *redis.Client, channel string, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, logger: logger.Named("notify_redis")}
}

func (s *RedisSink) Notify(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Warn("failed to encode notification", zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("failed to publish notification", zap.Error(err))
	}
}

// MultiSink fans a notification out to several sinks.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, n Notification) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}
