package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/fixprice-etl/internal/models"
)

const (
	EventRunCompleted = "ETL_RUN_COMPLETED"
	DefaultStream     = "stream:etl_runs"
	source            = "fixprice-etl"
)

// RedisClient is the part of the Redis client the publisher needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Event is the envelope written to the stream.
type Event struct {
	ID        uuid.UUID       `json:"event_id"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// RunSummary is the data of an ETL_RUN_COMPLETED event.
type RunSummary struct {
	Stats    models.StatsReport `json:"stats"`
	Products int                `json:"products"`
	Uploaded int                `json:"uploaded"`
}

// NewRunCompleted builds the event announcing a finished run.
func NewRunCompleted(result *models.RunResult) (Event, error) {
	summary := RunSummary{
		Stats:    result.Stats,
		Products: len(result.Products),
	}
	for _, p := range result.Products {
		if p.Uploaded {
			summary.Uploaded++
		}
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal run summary: %w", err)
	}

	return Event{
		ID:        uuid.New(),
		Type:      EventRunCompleted,
		RunID:     result.Stats.RunID,
		Timestamp: result.Timestamp.UTC(),
		Data:      data,
	}, nil
}

// Publisher appends events to a Redis stream.
type Publisher struct {
	client RedisClient
	stream string
	logger *slog.Logger
}

func NewPublisher(client RedisClient, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		stream: stream,
		logger: logger.With("component", "events"),
	}
}

func (p *Publisher) Stream() string { return p.stream }

// Publish writes the event to stream, or to the publisher's stream when
// stream is empty.
func (p *Publisher) Publish(ctx context.Context, stream string, event Event) error {
	if stream == "" {
		stream = p.stream
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":       string(body),
			"event_id":   event.ID.String(),
			"event_type": event.Type,
			"run_id":     event.RunID,
			"timestamp":  fmt.Sprintf("%d", event.Timestamp.UnixNano()),
			"source":     source,
		},
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	p.logger.Info("event published",
		"stream", stream,
		"message_id", id,
		"event_id", event.ID,
		"event_type", event.Type,
		"run_id", event.RunID)
	return nil
}

func (p *Publisher) Name() string { return "redis" }

// Save publishes an ETL_RUN_COMPLETED event for the result.
func (p *Publisher) Save(ctx context.Context, result *models.RunResult) error {
	event, err := NewRunCompleted(result)
	if err != nil {
		return err
	}
	return p.Publish(ctx, "", event)
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
