package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/fixprice-etl/internal/events"
	"github.com/maltedev/fixprice-etl/internal/models"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed deliveries after which an event
	// is moved to dead letter.
	MaxRetryCount = 5

	aggregateRun = "etl_run"
)

// ErrEventChanged means the outbox row no longer matches the copy the relay
// read, usually because another relay delivered it first.
var ErrEventChanged = errors.New("outbox event changed concurrently")

// OutboxEvent is a run event waiting in the transactional outbox.
// AggregateID holds the run ID.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, target_stream,
	status, retry_count, error_message, created_at, processed_at, next_retry_at`

// newRunEvent wraps the run-completed event for result as an outbox row
// bound for stream.
func newRunEvent(stream string, result *models.RunResult) (*OutboxEvent, error) {
	e, err := events.NewRunCompleted(result)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &OutboxEvent{
		ID:            e.ID,
		AggregateType: aggregateRun,
		AggregateID:   e.RunID,
		EventType:     e.Type,
		Payload:       payload,
		TargetStream:  stream,
		Status:        OutboxStatusPending,
	}, nil
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx enqueues event inside tx. The event is due immediately.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.AggregateType == "" {
		event.AggregateType = aggregateRun
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, retry_count, created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, next_retry_at`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload,
		event.TargetStream, event.Status, event.RetryCount,
	).Scan(&event.CreatedAt, &event.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue event for run %s: %w", event.AggregateID, err)
	}
	return nil
}

// GetPending returns run events due for delivery, oldest first.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_event
		WHERE aggregate_type = $1
			AND status IN ($2, $3)
			AND next_retry_at <= now()
		ORDER BY created_at ASC
		LIMIT $4`,
		aggregateRun, OutboxStatusPending, OutboxStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}

	pending, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return pending, nil
}

// LatestForRun returns the newest outbox event of a run, or nil when the run
// never enqueued one.
func (r *OutboxRepository) LatestForRun(ctx context.Context, runID string) (*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_event
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		aggregateRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for run %s: %w", runID, err)
	}

	event, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event for run %s: %w", runID, err)
	}
	return event, nil
}

// MarkProcessed records a successful delivery of event.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, event *OutboxEvent) error {
	var processedAt time.Time
	err := r.db.pool.QueryRow(ctx, `
		UPDATE outbox_event
		SET status = $1, processed_at = now(), error_message = NULL
		WHERE id = $2 AND status IN ($3, $4)
		RETURNING processed_at`,
		OutboxStatusProcessed, event.ID, OutboxStatusPending, OutboxStatusFailed,
	).Scan(&processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("event %s for run %s: %w", event.ID, event.AggregateID, ErrEventChanged)
	}
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}

	event.Status = OutboxStatusProcessed
	event.ProcessedAt = &processedAt
	return nil
}

// MarkFailed records a failed delivery of event and schedules the next
// attempt. After MaxRetryCount failures the event becomes a dead letter and
// is no longer scheduled. The update only applies if nobody else touched the
// row since it was read.
func (r *OutboxRepository) MarkFailed(ctx context.Context, event *OutboxEvent, processErr error) error {
	retryCount := event.RetryCount + 1
	status := OutboxStatusFailed
	var nextRetry *time.Time
	if retryCount >= MaxRetryCount {
		status = OutboxStatusDeadLetter
	} else {
		next := nextRetryTime(time.Now(), retryCount)
		nextRetry = &next
	}
	message := processErr.Error()

	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = $1, retry_count = $2, error_message = $3, next_retry_at = $4
		WHERE id = $5 AND retry_count = $6`,
		status, retryCount, message, nextRetry, event.ID, event.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s for run %s: %w", event.ID, event.AggregateID, ErrEventChanged)
	}

	event.Status = status
	event.RetryCount = retryCount
	event.ErrorMessage = &message
	event.NextRetryAt = nextRetry
	return nil
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, statuses ...string) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox_event WHERE status = ANY($1)", statuses).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return count, nil
}

// nextRetryTime backs off exponentially from one second, capped at five
// minutes.
func nextRetryTime(now time.Time, retryCount int) time.Time {
	backoff := 300 * time.Second
	if retryCount < 9 {
		backoff = min(time.Duration(1<<retryCount)*time.Second, backoff)
	}
	return now.Add(backoff)
}
