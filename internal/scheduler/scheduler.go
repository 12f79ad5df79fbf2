// Package scheduler is the in-repo at-least-once delivery collaborator. It
// polls for due directives and pushes each one through the runner. Retry
// timing lives here; retry safety (idempotent execution) lives in the engine.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"driveline/internal/domain"
	"driveline/internal/engine"
)

type Dispatcher struct {
	Engine         engine.Engine
	Interval       time.Duration
	Workers        int
	BatchSize      int
	HandlerTimeout time.Duration
}

func New(e engine.Engine) *Dispatcher {
	cfg := e.Config
	return &Dispatcher{
		Engine:         e,
		Interval:       time.Duration(cfg.Dispatcher.IntervalSeconds) * time.Second,
		Workers:        cfg.Dispatcher.Workers,
		BatchSize:      cfg.Dispatcher.BatchSize,
		HandlerTimeout: time.Duration(cfg.Dispatcher.HandlerTimeoutSeconds) * time.Second,
	}
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.DispatchDue(ctx); err != nil {
			log.Printf("scheduler: dispatch round failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchDue delivers every currently due directive once. Directives a
// delivery leaves in requested state are picked up again on a later round;
// redundant deliveries are absorbed by the runner's guardrails.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	due, err := d.fetchDue(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, dir := range due {
		g.Go(func() error {
			d.deliver(gctx, dir)
			return nil
		})
	}
	return g.Wait()
}

// fetchDue reads the due set, backing off briefly on transient storage
// errors before giving up until the next tick.
func (d *Dispatcher) fetchDue(ctx context.Context) ([]domain.Directive, error) {
	now := d.Engine.Now().UTC().Format(time.RFC3339)
	var due []domain.Directive
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		due, err = d.Engine.Repo.ListDue(ctx, now, d.BatchSize)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return due, err
}

func (d *Dispatcher) deliver(ctx context.Context, dir domain.Directive) {
	timeout := d.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.Engine.ExecuteDirective(dctx, dir.Tenant, dir.ID); err != nil {
		// Storage trouble; the directive stays requested and the next
		// round redelivers.
		log.Printf("scheduler: delivery of %s failed: %v", dir.ID, err)
	}
}
