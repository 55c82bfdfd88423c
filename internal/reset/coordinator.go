// Package reset clears memory categories on request. Each category clear is
// its own transaction; one category failing never undoes another's clear.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/memory"
	otelx "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
)

// Config wires a Coordinator.
type Config struct {
	Categories []memory.Category
	Logger     *slog.Logger
	Bus        *bus.Bus
	Tracer     trace.Tracer
	Metrics    *otelx.Metrics
}

// Coordinator owns the reset of every registered category.
type Coordinator struct {
	categories map[persistence.Category]memory.Category
	logger     *slog.Logger
	bus        *bus.Bus
	tracer     trace.Tracer
	metrics    *otelx.Metrics
}

// Cleared is one category that was emptied.
type Cleared struct {
	Category persistence.Category
	Removed  int64
}

// Report lists the categories a reset cleared, in reset order.
type Report struct {
	Cleared  []Cleared
	Duration time.Duration
}

// Categories returns the cleared categories.
func (r Report) Categories() []persistence.Category {
	out := make([]persistence.Category, len(r.Cleared))
	for i, c := range r.Cleared {
		out[i] = c.Category
	}
	return out
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		categories: make(map[persistence.Category]memory.Category, len(cfg.Categories)),
		logger:     cfg.Logger,
		bus:        cfg.Bus,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	for _, cat := range cfg.Categories {
		c.categories[cat.Category()] = cat
	}
	return c
}

type outcome struct {
	category persistence.Category
	removed  int64
	err      error
}

// Reset clears the categories selected by f. It returns ErrNoCategorySelected
// without touching anything when f selects nothing, and *PartialFailureError
// when any category fails; the Report is valid in both the success and the
// partial failure case.
func (c *Coordinator) Reset(ctx context.Context, f Flags) (Report, error) {
	if err := f.Validate(); err != nil {
		return Report{}, err
	}
	selected := f.Categories()
	started := time.Now()

	ctx, span := otelx.StartSpan(ctx, c.tracer, "reset.memories")
	results := make([]outcome, len(selected))

	// Plain group: one failing category must not cancel the others.
	var g errgroup.Group
	for i, cat := range selected {
		g.Go(func() error {
			results[i] = c.clear(ctx, cat)
			return nil
		})
	}
	_ = g.Wait()

	var report Report
	var failures []CategoryFailure
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, CategoryFailure{Category: r.category, Err: r.err})
			continue
		}
		report.Cleared = append(report.Cleared, Cleared{Category: r.category, Removed: r.removed})
	}
	report.Duration = time.Since(started)

	finished := bus.ResetFinishedEvent{}
	for _, cl := range report.Cleared {
		finished.Cleared = append(finished.Cleared, string(cl.Category))
	}
	for _, fl := range failures {
		finished.Failed = append(finished.Failed, string(fl.Category))
	}
	c.bus.Publish(bus.TopicResetFinished, finished)

	if len(failures) > 0 {
		err := &PartialFailureError{Failures: failures, Succeeded: report.Categories()}
		otelx.EndSpan(span, err)
		return report, err
	}
	otelx.EndSpan(span, nil)
	return report, nil
}

func (c *Coordinator) clear(ctx context.Context, cat persistence.Category) outcome {
	attrs := metric.WithAttributes(otelx.AttrCategory.String(string(cat)))
	store, ok := c.categories[cat]
	if !ok {
		err := fmt.Errorf("no store registered for category %s", cat)
		c.recordFailure(ctx, cat, err, attrs)
		return outcome{category: cat, err: err}
	}

	removed, err := store.Clear(ctx)
	if err != nil {
		c.recordFailure(ctx, cat, err, attrs)
		return outcome{category: cat, err: err}
	}

	c.logger.InfoContext(ctx, "memory category reset", "category", string(cat), "removed", removed)
	audit.Record(ctx, audit.ActionReset, audit.DecisionOK, string(cat), fmt.Sprintf("removed %d entries", removed))
	c.bus.Publish(bus.TopicResetCategoryCleared, bus.ResetCategoryEvent{Category: string(cat), Removed: removed})
	if c.metrics != nil {
		c.metrics.ResetRowsCleared.Add(ctx, removed, attrs)
	}
	return outcome{category: cat, removed: removed}
}

func (c *Coordinator) recordFailure(ctx context.Context, cat persistence.Category, err error, attrs metric.AddOption) {
	c.logger.ErrorContext(ctx, "memory category reset failed", "category", string(cat), "error", err)
	audit.Record(ctx, audit.ActionReset, audit.DecisionError, string(cat), err.Error())
	c.bus.Publish(bus.TopicResetCategoryFailed, bus.ResetCategoryEvent{Category: string(cat), Error: err.Error()})
	if c.metrics != nil {
		c.metrics.ResetFailures.Add(ctx, 1, attrs)
	}
}
