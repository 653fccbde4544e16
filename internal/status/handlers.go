package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/fixprice-etl/internal/database"
	"github.com/maltedev/fixprice-etl/internal/models"
	"github.com/maltedev/fixprice-etl/internal/pipeline"
)

// RunState is the live view of the running pipeline.
type RunState interface {
	Stats() models.StatsReport
	Phase() pipeline.Phase
}

// ResultReader loads the most recently written run result.
type ResultReader interface {
	Latest() (*models.RunResult, error)
}

// RunArchive looks up runs saved to the Postgres archive.
type RunArchive interface {
	GetRun(ctx context.Context, runID string) (*database.RunSummary, error)
}

// OutboxCounter reports outbox backlog, when the Postgres archive is enabled.
type OutboxCounter interface {
	CountByStatus(ctx context.Context, statuses ...string) (int64, error)
}

const (
	outboxWarnPending    = 1000
	outboxFailDeadLetter = 100
)

type Handlers struct {
	run     RunState
	results ResultReader
	outbox  OutboxCounter
	archive RunArchive
	logger  *slog.Logger
}

func NewHandlers(run RunState, results ResultReader, outbox OutboxCounter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		run:     run,
		results: results,
		outbox:  outbox,
		logger:  logger,
	}
}

// WithArchive enables /runs/{id} lookups against the run archive.
func (h *Handlers) WithArchive(archive RunArchive) *Handlers {
	h.archive = archive
	return h
}

// Health reports the run phase and, when available, the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"phase":  h.run.Phase(),
	}
	status := http.StatusOK

	if h.run.Phase() == pipeline.PhaseFailed {
		health["status"] = "error"
		status = http.StatusServiceUnavailable
	}

	if h.outbox != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		pending, errP := h.outbox.CountByStatus(ctx, "pending", "failed")
		deadLetter, errD := h.outbox.CountByStatus(ctx, "dead_letter")
		if err := errors.Join(errP, errD); err != nil {
			h.logger.Warn("failed to count outbox events", "error", err)
		} else {
			health["outbox"] = map[string]interface{}{
				"pending":     pending,
				"dead_letter": deadLetter,
			}
			if pending > outboxWarnPending && status == http.StatusOK {
				health["status"] = "warning"
				health["message"] = "High number of pending outbox events"
			}
			if deadLetter > outboxFailDeadLetter {
				health["status"] = "error"
				health["message"] = "High number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.run.Stats())
}

// GetLatestResult returns the last results file written to the output directory.
func (h *Handlers) GetLatestResult(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		h.respondError(w, http.StatusNotFound, "no results available")
		return
	}

	result, err := h.results.Latest()
	if errors.Is(err, os.ErrNotExist) {
		h.respondError(w, http.StatusNotFound, "no results available")
		return
	}
	if err != nil {
		h.logger.Error("failed to load latest result", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load latest result")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetRun returns an archived run and the delivery state of its event.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.respondError(w, http.StatusNotFound, "run archive not configured")
		return
	}

	runID := chi.URLParam(r, "id")
	run, err := h.archive.GetRun(r.Context(), runID)
	if errors.Is(err, database.ErrRunNotFound) {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load run", "run_id", runID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
