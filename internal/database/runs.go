package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/fixprice-etl/internal/models"
)

// RunStore archives run results in Postgres. When an outbox stream is set,
// the run-completed event is written to the outbox in the same transaction.
type RunStore struct {
	db     *DB
	outbox *OutboxRepository
	stream string
	logger *slog.Logger
}

func NewRunStore(db *DB, outboxStream string, logger *slog.Logger) *RunStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunStore{
		db:     db,
		outbox: NewOutboxRepository(db),
		stream: outboxStream,
		logger: logger.With("component", "run_store"),
	}
}

func (s *RunStore) Name() string { return "postgres" }

func (s *RunStore) Save(ctx context.Context, result *models.RunResult) error {
	return s.SaveRun(ctx, result)
}

// SaveRun inserts the run and its products in one transaction. Saving the
// same run twice replaces its product rows.
func (s *RunStore) SaveRun(ctx context.Context, result *models.RunResult) error {
	if result == nil || result.Stats.ParsingStats == nil {
		return fmt.Errorf("run result has no stats")
	}
	stats := result.Stats

	errorsJSON, err := json.Marshal(stats.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	var event *OutboxEvent
	if s.stream != "" {
		if event, err = newRunEvent(s.stream, result); err != nil {
			return err
		}
	}

	err = s.db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO etl_runs (
				run_id, started_at, finished_at, categories_found,
				products_found, products_parsed, products_filtered,
				products_uploaded, products_failed, success_rate, errors
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (run_id) DO UPDATE SET
				finished_at = EXCLUDED.finished_at,
				categories_found = EXCLUDED.categories_found,
				products_found = EXCLUDED.products_found,
				products_parsed = EXCLUDED.products_parsed,
				products_filtered = EXCLUDED.products_filtered,
				products_uploaded = EXCLUDED.products_uploaded,
				products_failed = EXCLUDED.products_failed,
				success_rate = EXCLUDED.success_rate,
				errors = EXCLUDED.errors`,
			stats.RunID, stats.StartedAt, stats.FinishedAt, stats.CategoriesFound,
			stats.ProductsFound, stats.ProductsParsed, stats.ProductsFiltered,
			stats.ProductsUploaded, stats.ProductsFailed, stats.SuccessRate, errorsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM etl_run_products WHERE run_id = $1", stats.RunID); err != nil {
			return fmt.Errorf("failed to clear run products: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range result.Products {
			productErrors, err := json.Marshal(p.Errors)
			if err != nil {
				return fmt.Errorf("failed to marshal product errors: %w", err)
			}
			batch.Queue(`
				INSERT INTO etl_run_products (
					run_id, title, price, old_price, category,
					source_url, api_product_id, uploaded, errors
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				stats.RunID, p.Title, p.Price, p.OldPrice, nullIfEmpty(p.Category),
				p.SourceURL, nullIfEmpty(p.APIProductID), p.Uploaded, productErrors,
			)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert run products: %w", err)
			}
		}

		if event != nil {
			return s.outbox.InsertWithTx(ctx, tx, event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("run archived", "run_id", stats.RunID, "products", len(result.Products), "outbox", event != nil)
	return nil
}

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is an archived run together with the delivery state of its
// run-completed event.
type RunSummary struct {
	RunID            string     `json:"run_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ProductsFiltered int        `json:"products_filtered"`
	ProductsUploaded int        `json:"products_uploaded"`
	ProductsFailed   int        `json:"products_failed"`
	SuccessRate      float64    `json:"success_rate"`
	Products         int        `json:"products"`
	EventStatus      string     `json:"event_status,omitempty"`
	EventRetries     int        `json:"event_retries,omitempty"`
}

// GetRun loads an archived run. Runs saved without an outbox stream have an
// empty EventStatus.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	r := &RunSummary{}
	err := s.db.QueryRow(ctx, `
		SELECT r.run_id::text, r.started_at, r.finished_at, r.products_filtered,
			r.products_uploaded, r.products_failed, r.success_rate,
			(SELECT COUNT(*) FROM etl_run_products p WHERE p.run_id = r.run_id)
		FROM etl_runs r
		WHERE r.run_id::text = $1`, runID,
	).Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.ProductsFiltered,
		&r.ProductsUploaded, &r.ProductsFailed, &r.SuccessRate, &r.Products)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	event, err := s.outbox.LatestForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if event != nil {
		r.EventStatus = event.Status
		r.EventRetries = event.RetryCount
	}
	return r, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
