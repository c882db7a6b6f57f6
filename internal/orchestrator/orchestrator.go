// Package orchestrator owns the task lifecycle: it claims pending tasks,
// drives the per-item lookup loop, aggregates ranked rows into one export,
// and records exactly one terminal transition per task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/crossdock/pricing-engine/internal/exporter"
	"github.com/crossdock/pricing-engine/internal/lookup"
	"github.com/crossdock/pricing-engine/internal/observability"
	"github.com/crossdock/pricing-engine/internal/progress"
	"github.com/crossdock/pricing-engine/internal/task"
)

// ErrInvalidInput indicates a submission was rejected before a task was
// created.
var ErrInvalidInput = errors.New("invalid input")

// OfferSource resolves offers for one item. Implemented by lookup.Router.
type OfferSource interface {
	GetOffers(ctx context.Context, brand, article, group string) ([]lookup.Offer, error)
}

// Exporter renders ranked rows into a downloadable file.
type Exporter interface {
	Export(ctx context.Context, rows []exporter.Row) (string, error)
}

// Config holds orchestrator settings.
type Config struct {
	// TopN is the number of best offers kept per item.
	TopN int
	// ItemConcurrency bounds concurrent warehouse lookups within one task.
	ItemConcurrency int
	// Workers is the number of tasks processed concurrently.
	Workers int
	// QueueSize is the submit backlog.
	QueueSize int
}

// Orchestrator runs batch lookup tasks on a background worker pool.
type Orchestrator struct {
	logger   *observability.Logger
	tasks    task.Repository
	offers   OfferSource
	exporter Exporter
	reporter progress.Reporter
	cfg      Config

	queue     chan uuid.UUID
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates an orchestrator. Start must be called before Submit enqueues
// work.
func New(
	logger *observability.Logger,
	tasks task.Repository,
	offers OfferSource,
	exp Exporter,
	reporter progress.Reporter,
	cfg Config,
) *Orchestrator {
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = 4
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if reporter == nil {
		reporter = progress.NopReporter{}
	}

	return &Orchestrator{
		logger:   logger,
		tasks:    tasks,
		offers:   offers,
		exporter: exp,
		reporter: reporter,
		cfg:      cfg,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
	}
}

// Start launches the task worker pool. Workers run until Stop is called and
// the queue drains.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		for i := 0; i < o.cfg.Workers; i++ {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				for id := range o.queue {
					if err := o.Run(ctx, id); err != nil {
						o.logger.Error().Err(err).Str("task_id", id.String()).Msg("Task run failed")
					}
				}
			}()
		}
	})
}

// Stop closes the queue and waits for in-flight tasks to reach a terminal
// state. Tasks are never cancelled mid-run.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.queue)
		o.wg.Wait()
	})
}

// Submit validates the batch, creates a PENDING task, enqueues it, and
// returns the task id immediately.
func (o *Orchestrator) Submit(ctx context.Context, items []task.Item, supplierGroup string) (uuid.UUID, error) {
	if err := validateInput(items, supplierGroup); err != nil {
		return uuid.Nil, err
	}

	t := &task.Task{
		Items:         items,
		SupplierGroup: supplierGroup,
	}
	if err := o.tasks.Create(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("create task: %w", err)
	}

	o.queue <- t.ID

	o.logger.Info().
		Str("task_id", t.ID.String()).
		Int("items", len(items)).
		Str("group", supplierGroup).
		Msg("Task submitted")
	return t.ID, nil
}

// GetStatus returns the task record.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return o.tasks.GetByID(ctx, id)
}

// Run executes one task to a terminal state. It is the only code path that
// mutates a task after creation. A lost claim race is not an error: the
// second runner observes the task already claimed and performs no work.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) error {
	log := o.logger.WithTask(id.String())

	if err := o.tasks.Claim(ctx, id); err != nil {
		if errors.Is(err, task.ErrAlreadyClaimed) {
			log.Info().Msg("Task already claimed, skipping")
			return nil
		}
		// Missing task or storage failure at claim time is a programming or
		// storage error, not a retryable condition.
		return fmt.Errorf("claim: %w", err)
	}

	t, err := o.tasks.GetByID(ctx, id)
	if err != nil {
		o.fail(ctx, log, id, fmt.Sprintf("load task: %v", err))
		return fmt.Errorf("load task: %w", err)
	}

	log.Info().Int("items", len(t.Items)).Str("group", t.SupplierGroup).Msg("Task running")

	rows := o.processItems(progress.ContextWithTaskID(ctx, id), log, t)

	location, err := o.exporter.Export(ctx, rows)
	if err != nil {
		log.Error().Err(err).Msg("Export failed")
		o.fail(ctx, log, id, err.Error())
		return nil
	}

	if err := o.tasks.MarkSuccess(ctx, id, location); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}

	o.reporter.Publish(ctx, id, progress.Update{Stage: progress.StageFinished, Percent: 100})
	log.Info().Str("result", location).Msg("Task finished")
	return nil
}

// processItems resolves every item through the query router with bounded
// concurrency. Results are index-tagged and land in input order; a failed
// item records a blank row and never aborts the task.
func (o *Orchestrator) processItems(ctx context.Context, log *observability.Logger, t *task.Task) []exporter.Row {
	rows := make([]exporter.Row, len(t.Items))

	type workItem struct {
		index int
		item  task.Item
	}
	work := make(chan workItem, len(t.Items))
	for i, item := range t.Items {
		work <- workItem{index: i, item: item}
	}
	close(work)

	workers := o.cfg.ItemConcurrency
	if workers > len(t.Items) {
		workers = len(t.Items)
	}

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				row := exporter.Row{Brand: job.item.Brand, Article: job.item.SKU}

				offers, err := o.offers.GetOffers(ctx, job.item.Brand, job.item.SKU, t.SupplierGroup)
				if err != nil {
					log.Error().
						Err(err).
						Str("brand", job.item.Brand).
						Str("article", job.item.SKU).
						Msg("Item lookup failed, leaving row blank")
				} else {
					row.Offers = lookup.Rank(offers, o.cfg.TopN)
				}
				rows[job.index] = row

				completed := atomic.AddInt64(&done, 1)
				o.reporter.Publish(ctx, t.ID, progress.Update{
					Stage:   progress.StageProcessing,
					Percent: int(completed * 100 / int64(len(t.Items))),
				})
			}
		}()
	}
	wg.Wait()

	return rows
}

// fail records the terminal FAILURE transition; a task is never left stuck in
// RUNNING.
func (o *Orchestrator) fail(ctx context.Context, log *observability.Logger, id uuid.UUID, detail string) {
	if err := o.tasks.MarkFailure(ctx, id, detail); err != nil {
		log.Error().Err(err).Msg("Failed to record task failure")
		return
	}
	o.reporter.Publish(ctx, id, progress.Update{Stage: progress.StageFailed, Message: detail})
}

func validateInput(items []task.Item, supplierGroup string) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidInput)
	}
	if strings.TrimSpace(supplierGroup) == "" {
		return fmt.Errorf("%w: supplier group is required", ErrInvalidInput)
	}
	for i, item := range items {
		if strings.TrimSpace(item.Brand) == "" {
			return fmt.Errorf("%w: item %d has empty brand", ErrInvalidInput, i+1)
		}
		if strings.TrimSpace(item.SKU) == "" {
			return fmt.Errorf("%w: item %d has empty article", ErrInvalidInput, i+1)
		}
	}
	return nil
}
