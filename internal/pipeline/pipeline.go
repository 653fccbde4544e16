package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/fixprice-etl/internal/metrics"
	"github.com/maltedev/fixprice-etl/internal/models"
	"github.com/maltedev/fixprice-etl/internal/ratelimit"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
	PhaseReport    Phase = "report"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// Extractor is the source side of the pipeline.
type Extractor interface {
	DiscoverCategories(ctx context.Context) ([]models.Category, error)
	DiscoverProductURLs(ctx context.Context, categoryURL string, maxPages int) ([]string, error)
	FetchProductsBatch(ctx context.Context, urls []string) []*models.Product
}

// Loader is the destination side of the pipeline.
type Loader interface {
	HealthCheck(ctx context.Context) bool
	ProcessProductsBatch(ctx context.Context, products []*models.Product) (success, failed int)
}

// ResultSink persists the outcome of a run.
type ResultSink interface {
	Name() string
	Save(ctx context.Context, result *models.RunResult) error
}

type Options struct {
	SamplePercent   int
	CategoriesLimit int
	MaxPages        int
	BatchSize       int
	CategoryDelay   time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Pipeline runs one EXTRACT, TRANSFORM, LOAD, REPORT pass. Phases run
// strictly in sequence; only the pipeline writes its statistics.
type Pipeline struct {
	extractor Extractor
	loader    Loader
	store     ResultSink
	sinks     []ResultSink
	opts      Options
	delay     *ratelimit.FixedDelay
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	stats *models.ParsingStats
	phase Phase
}

// New wires a pipeline. store is the primary result store and its failure
// fails the run; extra sinks are best effort.
func New(extractor Extractor, loader Loader, store ResultSink, opts Options, sinks ...ResultSink) *Pipeline {
	if opts.SamplePercent == 0 {
		opts.SamplePercent = 50
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		extractor: extractor,
		loader:    loader,
		store:     store,
		sinks:     sinks,
		opts:      opts,
		delay:     ratelimit.NewFixedDelay(opts.CategoryDelay),
		logger:    logger.With("component", "pipeline"),
		metrics:   opts.Metrics,
		stats:     models.NewParsingStats(),
		phase:     PhaseIdle,
	}
}

// Stats returns a snapshot of the run statistics that is safe to read while
// the run continues.
func (p *Pipeline) Stats() models.StatsReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats.Report()
}

func (p *Pipeline) Phase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *Pipeline) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *Pipeline) update(fn func(s *models.ParsingStats)) {
	p.mu.Lock()
	fn(p.stats)
	p.mu.Unlock()
}

// Run executes the whole pipeline. It returns an error only when category
// discovery fails, when the primary result store cannot be written, or when
// ctx is cancelled; per-item failures are recorded in the statistics.
func (p *Pipeline) Run(ctx context.Context) (*models.RunResult, error) {
	p.logger.Info("pipeline started", "run_id", p.Stats().RunID)

	healthy := p.loader.HealthCheck(ctx)
	if !healthy {
		p.logger.Warn("destination API unavailable, running in extraction-only mode")
	}

	start := time.Now()
	p.setPhase(PhaseExtract)
	products, err := p.extract(ctx)
	p.metrics.SetPhaseDuration(string(PhaseExtract), time.Since(start))
	if err != nil {
		p.fail()
		return nil, err
	}

	start = time.Now()
	p.setPhase(PhaseTransform)
	sampled, valid := p.transform(products)
	p.metrics.SetPhaseDuration(string(PhaseTransform), time.Since(start))

	interrupted := ctx.Err()
	switch {
	case interrupted != nil:
		p.logger.Warn("run interrupted, skipping load", "error", interrupted)
	case !healthy:
		p.logger.Warn("skipping load in extraction-only mode", "products", len(valid))
	case len(valid) == 0:
		p.logger.Warn("no products to load")
	default:
		start = time.Now()
		p.setPhase(PhaseLoad)
		p.load(ctx, valid)
		p.metrics.SetPhaseDuration(string(PhaseLoad), time.Since(start))
	}

	p.update(func(s *models.ParsingStats) { s.Finish() })

	var result *models.RunResult
	if len(sampled) > 0 {
		p.setPhase(PhaseReport)
		p.mu.RLock()
		result = models.NewRunResult(p.stats, sampled)
		p.mu.RUnlock()

		if err := p.report(context.WithoutCancel(ctx), result); err != nil {
			p.fail()
			return result, err
		}
	} else {
		p.logger.Warn("no products after filtering, nothing to report")
	}

	if interrupted != nil {
		p.fail()
		return result, interrupted
	}
	p.setPhase(PhaseDone)
	p.logSummary()
	return result, nil
}

func (p *Pipeline) fail() {
	p.update(func(s *models.ParsingStats) {
		if s.FinishedAt == nil {
			s.Finish()
		}
	})
	p.setPhase(PhaseFailed)
	p.logSummary()
}

func (p *Pipeline) extract(ctx context.Context) ([]*models.Product, error) {
	categories, err := p.extractor.DiscoverCategories(ctx)
	if err != nil {
		p.update(func(s *models.ParsingStats) { s.RecordError(string(PhaseExtract), "", "", err) })
		return nil, fmt.Errorf("category discovery failed: %w", err)
	}
	p.update(func(s *models.ParsingStats) { s.CategoriesFound = len(categories) })

	if p.opts.CategoriesLimit > 0 && len(categories) > p.opts.CategoriesLimit {
		categories = categories[:p.opts.CategoriesLimit]
		p.logger.Info("category limit applied", "limit", p.opts.CategoriesLimit)
	}

	urls := p.collectProductURLs(ctx, categories)
	p.update(func(s *models.ParsingStats) { s.ProductsFound = len(urls) })
	p.metrics.AddProducts("found", len(urls))
	p.logger.Info("product urls collected", "count", len(urls))

	var products []*models.Product
	for start := 0; start < len(urls); start += p.opts.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+p.opts.BatchSize, len(urls))
		batch := p.extractor.FetchProductsBatch(ctx, urls[start:end])
		products = append(products, batch...)
		p.update(func(s *models.ParsingStats) { s.ProductsParsed = len(products) })
		p.logger.Info("product batch fetched", "from", start, "to", end, "total", len(urls), "parsed", len(products))
	}
	p.metrics.AddProducts("parsed", len(products))

	return products, nil
}

// collectProductURLs scans categories one after another. A failing category
// is recorded and skipped. URLs are deduplicated across categories.
func (p *Pipeline) collectProductURLs(ctx context.Context, categories []models.Category) []string {
	var urls []string
	seen := make(map[string]bool)

	for i, cat := range categories {
		if ctx.Err() != nil {
			break
		}

		found, err := p.extractor.DiscoverProductURLs(ctx, cat.URL, p.opts.MaxPages)
		if err != nil {
			p.logger.Error("category failed", "category", cat.Name, "url", cat.URL, "error", err)
			p.metrics.IncError("category")
			p.update(func(s *models.ParsingStats) { s.RecordError(string(PhaseExtract), cat.Name, cat.URL, err) })
		}
		for _, u := range found {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}

		if i < len(categories)-1 {
			if err := p.delay.Wait(ctx); err != nil {
				break
			}
		}
	}

	return urls
}

// transform samples products per category and validates the sample. It
// returns the whole sample and the subset that passed validation.
func (p *Pipeline) transform(products []*models.Product) (sampled, valid []*models.Product) {
	sampled = SampleByCategory(products, p.opts.SamplePercent)
	p.logger.Info("products sampled", "before", len(products), "after", len(sampled), "percent", p.opts.SamplePercent)

	valid = make([]*models.Product, 0, len(sampled))
	rejected := 0
	for _, product := range sampled {
		reasons := product.Validate()
		if len(reasons) == 0 {
			valid = append(valid, product)
			continue
		}
		for _, r := range reasons {
			product.AddError(r)
		}
		rejected++
		p.logger.Warn("product rejected", "url", product.SourceURL, "reasons", reasons)
	}

	p.update(func(s *models.ParsingStats) { s.ProductsFiltered = len(valid) })
	p.metrics.AddProducts("filtered", len(valid))
	p.logger.Info("products validated", "valid", len(valid), "rejected", rejected)
	return sampled, valid
}

func (p *Pipeline) load(ctx context.Context, products []*models.Product) {
	p.logger.Info("loading products", "count", len(products))

	success, failed := p.loader.ProcessProductsBatch(ctx, products)

	p.update(func(s *models.ParsingStats) {
		s.ProductsUploaded += success
		s.ProductsFailed += failed
	})
	p.metrics.AddProducts("uploaded", success)
	p.metrics.AddProducts("failed", failed)
}

func (p *Pipeline) report(ctx context.Context, result *models.RunResult) error {
	if err := p.store.Save(ctx, result); err != nil {
		p.logger.Error("failed to save results", "sink", p.store.Name(), "error", err)
		return fmt.Errorf("save results: %w", err)
	}

	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Save(ctx, result); err != nil {
			p.logger.Warn("result sink failed", "sink", sink.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.metrics.IncError("sink")
		p.logger.Debug("optional sinks failed", "error", errors.Join(errs...))
	}
	return nil
}

func (p *Pipeline) logSummary() {
	r := p.Stats()
	duration := 0.0
	if r.DurationSeconds != nil {
		duration = *r.DurationSeconds
	}
	p.logger.Info("pipeline finished",
		"run_id", r.RunID,
		"phase", p.Phase(),
		"categories_found", r.CategoriesFound,
		"products_found", r.ProductsFound,
		"products_parsed", r.ProductsParsed,
		"products_filtered", r.ProductsFiltered,
		"products_uploaded", r.ProductsUploaded,
		"products_failed", r.ProductsFailed,
		"errors", len(r.Errors),
		"success_rate", r.SuccessRate,
		"duration_seconds", duration,
	)
}
