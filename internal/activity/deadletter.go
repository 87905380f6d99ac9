package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/pkg/kafka"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

// Dead-letter reasons.
const (
	ReasonRejected  = "rejected"
	ReasonExhausted = "exhausted"
)

// EventDeadLettered is the kafka event type for abandoned activities.
const EventDeadLettered = "activity.dead_lettered"

// DeadLetter is a queued event the queue gave up on.
type DeadLetter struct {
	Event  domain.QueuedEvent `json:"event"`
	Reason string             `json:"reason"`
	Code   string             `json:"code"`
	DeadAt time.Time          `json:"deadAt"`
}

// DeadLetterSink receives events that will not be retried.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// LogDeadLetter writes dead letters to the structured log.
type LogDeadLetter struct {
	logger *slog.Logger
}

func NewLogDeadLetter(logger *slog.Logger) *LogDeadLetter {
	return &LogDeadLetter{logger: logger}
}

func (s *LogDeadLetter) DeadLetter(ctx context.Context, dl DeadLetter) error {
	logger.WithContext(ctx, s.logger).WarnContext(ctx, "activity dead-lettered",
		slog.String("event_id", dl.Event.ID),
		slog.String("type", dl.Event.Type),
		slog.String("reason", dl.Reason),
		slog.String("code", dl.Code),
		slog.Int("attempts", dl.Event.Attempts),
		slog.String("last_error", dl.Event.LastError),
	)
	return nil
}

// Publisher is the subset of *kafka.Producer the kafka sink uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *kafka.Event) error
}

// KafkaDeadLetter publishes dead letters as kafka events.
type KafkaDeadLetter struct {
	publisher Publisher
	topic     string
	source    string
	subject   func(ctx context.Context) (userID, companyID string)
}

// NewKafkaDeadLetter creates a kafka sink writing to topic. subject may
// be nil.
func NewKafkaDeadLetter(publisher Publisher, topic, source string, subject func(context.Context) (string, string)) *KafkaDeadLetter {
	if topic == "" {
		topic = kafka.Topic("activity", "dead_lettered")
	}
	return &KafkaDeadLetter{
		publisher: publisher,
		topic:     topic,
		source:    source,
		subject:   subject,
	}
}

func (s *KafkaDeadLetter) DeadLetter(ctx context.Context, dl DeadLetter) error {
	event, err := kafka.NewEvent(EventDeadLettered, s.source, dl)
	if err != nil {
		return fmt.Errorf("build dead-letter event: %w", err)
	}
	if s.subject != nil {
		event.WithSubject(s.subject(ctx))
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}
	event.WithMetadata("reason", dl.Reason).WithMetadata("code", dl.Code)

	return s.publisher.Publish(ctx, s.topic, event)
}
