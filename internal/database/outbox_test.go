package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fixprice-etl/internal/events"
)

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("successful insert with transaction", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateID:  uuid.NewString(),
			EventType:    "ETL_RUN_COMPLETED",
			Payload:      json.RawMessage(`{"products":2}`),
			TargetStream: "stream:etl_runs",
		}

		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, aggregateRun, event.AggregateType)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rollback on transaction failure", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateID:  uuid.NewString(),
			EventType:    "ETL_RUN_COMPLETED",
			Payload:      json.RawMessage(`{}`),
			TargetStream: "stream:etl_runs",
		}

		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		var count int
		err = db.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_event WHERE id = $1", event.ID).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateID:  uuid.NewString(),
		EventType:    "ETL_RUN_COMPLETED",
		Payload:      json.RawMessage(`{}`),
		TargetStream: "stream:etl_runs",
		RetryCount:   MaxRetryCount - 2,
	}
	require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	}))

	pending, err := repo.GetPending(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, containsEvent(pending, event.ID))

	stale := *event
	require.NoError(t, repo.MarkFailed(ctx, event, assert.AnError))
	assert.Equal(t, OutboxStatusFailed, event.Status)
	assert.Equal(t, MaxRetryCount-1, event.RetryCount)

	var status string
	var nextRetry *time.Time
	err = db.QueryRow(ctx, "SELECT status, next_retry_at FROM outbox_event WHERE id = $1", event.ID).Scan(&status, &nextRetry)
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusFailed, status)
	require.NotNil(t, nextRetry)
	assert.True(t, nextRetry.After(time.Now()))

	pending, err = repo.GetPending(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, containsEvent(pending, event.ID), "event is not due before its retry time")

	assert.ErrorIs(t, repo.MarkFailed(ctx, &stale, assert.AnError), ErrEventChanged)

	require.NoError(t, repo.MarkFailed(ctx, event, assert.AnError))
	assert.Equal(t, OutboxStatusDeadLetter, event.Status)
	assert.Nil(t, event.NextRetryAt)

	latest, err := repo.LatestForRun(ctx, event.AggregateID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, OutboxStatusDeadLetter, latest.Status)
	assert.Equal(t, MaxRetryCount, latest.RetryCount)

	assert.ErrorIs(t, repo.MarkProcessed(ctx, event), ErrEventChanged)
	assert.ErrorIs(t, repo.MarkProcessed(ctx, &OutboxEvent{ID: uuid.New()}), ErrEventChanged)

	none, err := repo.LatestForRun(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNewRunEvent(t *testing.T) {
	result := testRunResult()

	event, err := newRunEvent("stream:etl_runs", result)
	require.NoError(t, err)
	assert.Equal(t, aggregateRun, event.AggregateType)
	assert.Equal(t, result.Stats.RunID, event.AggregateID)
	assert.Equal(t, events.EventRunCompleted, event.EventType)
	assert.Equal(t, OutboxStatusPending, event.Status)
	assert.Equal(t, "stream:etl_runs", event.TargetStream)

	var e events.Event
	require.NoError(t, json.Unmarshal(event.Payload, &e))
	assert.Equal(t, event.ID, e.ID)
	assert.Equal(t, result.Stats.RunID, e.RunID)
}

func containsEvent(events []*OutboxEvent, id uuid.UUID) bool {
	for _, e := range events {
		if e.ID == id {
			return true
		}
	}
	return false
}

// setupTestDB connects to TEST_DATABASE_URL and skips the test when it is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := New(ctx, DefaultConfig(url))
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}
