// Package activity records user activity for the portal backend. Events
// are sent directly when possible and staged in a durable queue otherwise.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

// QueueKey is the storage key holding the queued events.
const QueueKey = "summit_activity_queue"

const (
	DefaultCapacity    = 100
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 10
)

// QueueConfig bounds the queue and its flushes.
type QueueConfig struct {
	Capacity  int
	BatchSize int
	// Concurrency caps in-flight deliveries within a batch. Zero means
	// the batch size.
	Concurrency int
	// MaxAttempts is how many failed deliveries an event survives before
	// it is dead-lettered. Zero means unbounded.
	MaxAttempts int
}

// DefaultQueueConfig returns the standard bounds.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:    DefaultCapacity,
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultBatchSize,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// FlushResult summarizes one Flush call.
type FlushResult struct {
	Offline      bool `json:"offline,omitempty"`
	Claimed      int  `json:"claimed"`
	Delivered    int  `json:"delivered"`
	Requeued     int  `json:"requeued"`
	DeadLettered int  `json:"deadLettered"`
}

// Queue is the durable staging area for activities awaiting delivery.
// All reads and writes go through Store.Update, so several flushes and
// enqueues may run at once without losing or duplicating events.
type Queue struct {
	store   storage.Store
	deliver Deliverer
	conn    Connectivity
	dead    DeadLetterSink
	cfg     QueueConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewQueue creates a queue. A nil dead-letter sink logs abandoned events.
func NewQueue(cfg QueueConfig, store storage.Store, deliver Deliverer, conn Connectivity, dead DeadLetterSink, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.BatchSize
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if dead == nil {
		dead = NewLogDeadLetter(logger)
	}
	return &Queue{
		store:   store,
		deliver: deliver,
		conn:    conn,
		dead:    dead,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue stages a for later delivery, evicting the oldest events when
// the queue is full.
func (q *Queue) Enqueue(ctx context.Context, a domain.Activity) error {
	ev := domain.QueuedEvent{
		ID:        uuid.NewString(),
		Type:      a.Type,
		Metadata:  a.Metadata,
		Timestamp: a.Timestamp,
		QueuedAt:  q.now().UTC(),
	}
	return q.push(ctx, ev)
}

// PeekAll returns the queued events, oldest first, without claiming them.
func (q *Queue) PeekAll(ctx context.Context) ([]domain.QueuedEvent, error) {
	raw, err := q.store.Get(ctx, QueueKey)
	if errors.Is(err, storage.ErrNotFound) {
		return []domain.QueuedEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read activity queue: %w", err)
	}
	events, _, _ := decodeQueue(raw)
	return events, nil
}

// Len returns the number of queued events, zero when storage fails.
func (q *Queue) Len(ctx context.Context) int {
	events, err := q.PeekAll(ctx)
	if err != nil {
		return 0
	}
	return len(events)
}

// Clear drops every queued event.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Delete(ctx, QueueKey); err != nil {
		return fmt.Errorf("clear activity queue: %w", err)
	}
	queueLength.Set(0)
	return nil
}

// Flush claims every queued event and delivers them in batches. It does
// nothing while offline. Events that fail with a retryable error go back
// on the queue; the rest are dead-lettered. An authentication failure
// ends the flush: the failed events and every unattempted one go back
// unchanged.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	if !q.conn.Online() {
		return FlushResult{Offline: true}
	}

	start := time.Now()
	defer func() { flushDuration.Observe(time.Since(start).Seconds()) }()

	log := logger.WithContext(ctx, q.logger)
	events, err := q.claim(ctx)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim activity queue", slog.String("error", err.Error()))
		return FlushResult{}
	}
	res := FlushResult{Claimed: len(events)}
	if len(events) == 0 {
		return res
	}

	// Requeues and dead letters must land even when ctx is canceled
	// part-way through, or claimed events would be lost.
	persistCtx := context.WithoutCancel(ctx)

	for offset := 0; offset < len(events); offset += q.cfg.BatchSize {
		end := min(offset+q.cfg.BatchSize, len(events))
		batch := events[offset:end]

		if ctx.Err() != nil {
			// Not attempted: put back untouched.
			q.requeue(persistCtx, &res, events[offset:])
			break
		}

		outcomes := q.deliverBatch(ctx, batch)

		var (
			requeue  []domain.QueuedEvent
			authLost bool
		)
		for i, ev := range batch {
			derr := outcomes[i]
			if derr == nil {
				res.Delivered++
				deliveredTotal.WithLabelValues("flush").Inc()
				continue
			}

			if apperrors.IsAuthFailure(derr) {
				// The session, not the event, was rejected. Keep the event
				// as it was for the next signed-in flush.
				authLost = true
				requeue = append(requeue, ev)
				continue
			}

			ev.Attempts++
			ev.LastError = derr.Error()
			switch {
			case !apperrors.Retryable(derr):
				q.deadLetter(persistCtx, ev, ReasonRejected, derr)
				res.DeadLettered++
			case q.cfg.MaxAttempts > 0 && ev.Attempts >= q.cfg.MaxAttempts:
				q.deadLetter(persistCtx, ev, ReasonExhausted, derr)
				res.DeadLettered++
			default:
				requeue = append(requeue, ev)
			}
		}

		if authLost {
			// Later batches would go out without a session.
			requeue = append(requeue, events[end:]...)
			q.requeue(persistCtx, &res, requeue)
			log.WarnContext(ctx, "activity flush stopped, session no longer valid",
				slog.Int("requeued", len(requeue)),
			)
			break
		}
		q.requeue(persistCtx, &res, requeue)
	}

	log.InfoContext(ctx, "activity queue flushed",
		slog.Int("claimed", res.Claimed),
		slog.Int("delivered", res.Delivered),
		slog.Int("requeued", res.Requeued),
		slog.Int("dead_lettered", res.DeadLettered),
	)
	return res
}

// requeue writes events back and counts them, logging any it could not save.
func (q *Queue) requeue(ctx context.Context, res *FlushResult, events []domain.QueuedEvent) {
	if len(events) == 0 {
		return
	}
	if err := q.push(ctx, events...); err != nil {
		q.lost(ctx, events, err)
		return
	}
	res.Requeued += len(events)
	requeuedTotal.Add(float64(len(events)))
}

// deliverBatch sends every event of batch concurrently and returns the
// per-event outcome in batch order.
func (q *Queue) deliverBatch(ctx context.Context, batch []domain.QueuedEvent) []error {
	outcomes := make([]error, len(batch))
	var g errgroup.Group
	g.SetLimit(q.cfg.Concurrency)
	for i, ev := range batch {
		g.Go(func() error {
			outcomes[i] = q.deliver.Deliver(ctx, ev.Activity())
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// claim atomically takes every queued event, leaving the queue empty.
func (q *Queue) claim(ctx context.Context) ([]domain.QueuedEvent, error) {
	var (
		claimed []domain.QueuedEvent
		dropped int
		cause   error
	)
	err := q.store.Update(ctx, QueueKey, func(current []byte) ([]byte, error) {
		claimed, dropped, cause = decodeQueue(current)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	queueLength.Set(0)
	q.reportCorrupt(ctx, dropped, cause)
	return claimed, nil
}

// push appends events, trimming the oldest beyond capacity.
func (q *Queue) push(ctx context.Context, events ...domain.QueuedEvent) error {
	var (
		evicted, dropped, length int
		cause                    error
	)
	err := q.store.Update(ctx, QueueKey, func(current []byte) ([]byte, error) {
		var list []domain.QueuedEvent
		list, dropped, cause = decodeQueue(current)
		list = append(list, events...)
		evicted = 0
		if over := len(list) - q.cfg.Capacity; over > 0 {
			evicted = over
			list = list[over:]
		}
		length = len(list)
		return json.Marshal(list)
	})
	if err != nil {
		return fmt.Errorf("write activity queue: %w", err)
	}

	enqueuedTotal.Add(float64(len(events)))
	queueLength.Set(float64(length))
	q.reportCorrupt(ctx, dropped, cause)
	if evicted > 0 {
		evictedTotal.Add(float64(evicted))
		logger.WithContext(ctx, q.logger).WarnContext(ctx, "activity queue full, oldest events evicted",
			slog.Int("evicted", evicted),
			slog.Int("capacity", q.cfg.Capacity),
		)
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, ev domain.QueuedEvent, reason string, cause error) {
	deadLetteredTotal.WithLabelValues(reason).Inc()
	dl := DeadLetter{
		Event:  ev,
		Reason: reason,
		Code:   apperrors.Code(cause),
		DeadAt: q.now().UTC(),
	}
	if err := q.dead.DeadLetter(ctx, dl); err != nil {
		logger.WithContext(ctx, q.logger).ErrorContext(ctx, "dead-letter sink failed",
			slog.String("event_id", ev.ID),
			slog.String("type", ev.Type),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// lost records claimed events that could not be written back.
func (q *Queue) lost(ctx context.Context, events []domain.QueuedEvent, err error) {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	logger.WithContext(ctx, q.logger).ErrorContext(ctx, "failed to requeue activities",
		slog.Any("event_ids", ids),
		slog.String("error", err.Error()),
	)
}

func (q *Queue) reportCorrupt(ctx context.Context, dropped int, cause error) {
	if dropped == 0 && cause == nil {
		return
	}
	err := apperrors.CorruptState(QueueKey, cause)
	logger.WithContext(ctx, q.logger).WarnContext(ctx, "discarded corrupt activity queue records",
		slog.String("code", err.Code),
		slog.Int("dropped", dropped),
		slog.String("error", err.Error()),
	)
}

// decodeQueue parses the stored list. Unreadable entries are skipped and
// counted; an unreadable list yields no events and a non-nil cause.
func decodeQueue(raw []byte) (events []domain.QueuedEvent, dropped int, cause error) {
	events = []domain.QueuedEvent{}
	if raw == nil {
		return events, 0, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return events, 0, err
	}
	for _, item := range items {
		var ev domain.QueuedEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			dropped++
			cause = err
			continue
		}
		if ev.Type == "" {
			dropped++
			cause = errors.New("queued event without type")
			continue
		}
		events = append(events, ev)
	}
	return events, dropped, cause
}
