package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/fixprice-etl/internal/events"
)

// EventPublisher delivers an event to a stream.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, event events.Event) error
}

// OutboxRepo is the part of OutboxRepository the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, event *OutboxEvent) error
	MarkFailed(ctx context.Context, event *OutboxEvent, err error) error
}

// Relay moves events from the outbox table to Redis streams.
type Relay struct {
	publisher EventPublisher
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewRelay(db *DB, publisher EventPublisher, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		publisher: publisher,
		outbox:    NewOutboxRepository(db),
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
	}
}

// Start delivers events every poll interval until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.processEvents(ctx); err != nil {
		r.logger.Error("failed to process events on startup", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.processEvents(ctx); err != nil {
				r.logger.Error("failed to process events", "error", err)
			}
		}
	}
}

// Drain makes one delivery pass and reports how many events were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	return r.processEvents(ctx)
}

func (r *Relay) processEvents(ctx context.Context) (int, error) {
	pending, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	if len(pending) == 0 {
		return 0, nil
	}

	r.logger.Debug("processing events", "count", len(pending))

	delivered := 0
	for _, event := range pending {
		if err := r.processEvent(ctx, event); err != nil {
			r.logger.Error("failed to process event",
				"event_id", event.ID,
				"run_id", event.AggregateID,
				"error", err)
			continue
		}
		delivered++
	}

	return delivered, nil
}

func (r *Relay) processEvent(ctx context.Context, event *OutboxEvent) error {
	if err := r.publish(ctx, event); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event, err); markErr != nil {
			r.logger.Error("failed to mark event as failed",
				"event_id", event.ID,
				"run_id", event.AggregateID,
				"error", markErr)
		} else if event.Status == OutboxStatusDeadLetter {
			r.logger.Error("run event moved to dead letter",
				"event_id", event.ID,
				"run_id", event.AggregateID,
				"retries", event.RetryCount)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event); err != nil {
		r.logger.Error("failed to mark event as processed",
			"event_id", event.ID,
			"run_id", event.AggregateID,
			"error", err)
		return err
	}

	r.logger.Info("run event delivered",
		"event_id", event.ID,
		"event_type", event.EventType,
		"run_id", event.AggregateID,
		"stream", event.TargetStream)

	return nil
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	var e events.Event
	if err := json.Unmarshal(event.Payload, &e); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if e.ID == uuid.Nil {
		e.ID = event.ID
	}
	if e.Type == "" {
		e.Type = event.EventType
	}
	if e.RunID == "" {
		e.RunID = event.AggregateID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = event.CreatedAt
	}

	return r.publisher.Publish(ctx, event.TargetStream, e)
}
