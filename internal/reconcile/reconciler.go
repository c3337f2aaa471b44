// Package reconcile repairs path usage counters that drifted because a
// best-effort increment failed. Each sweep recomputes every counter from the
// stored events.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

// Store is the slice of persistence a sweep needs. ReconcileCount must set
// the counter in one statement so concurrent increments are not lost.
type Store interface {
	AllPathIDs(ctx context.Context) ([]objectid.ID, error)
	ReconcileCount(ctx context.Context, pathID objectid.ID) (int64, error)
}

// Result summarizes one sweep.
type Result struct {
	Paths    int
	Updated  int
	Vanished int
	Failed   int
	Duration time.Duration
}

type Reconciler struct {
	store      Store
	workers    int
	queueDepth int
	logger     *slog.Logger
}

func New(st Store, workers, queueDepth int, logger *slog.Logger) *Reconciler {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, workers: workers, queueDepth: queueDepth, logger: logger}
}

// RunOnce recomputes every path counter. Paths deleted mid-sweep are counted
// as vanished, not failed.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	ids, err := r.store.AllPathIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: list paths: %w", domain.ErrStorageUnavailable, err)
	}
	res := Result{Paths: len(ids)}

	pool := newWorkerPool(ctx, r.workers, r.queueDepth, func(ctx context.Context, id objectid.ID) error {
		_, err := r.store.ReconcileCount(ctx, id)
		return err
	})
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for jr := range pool.Results() {
			switch {
			case jr.err == nil:
				res.Updated++
				metrics.PathsReconciled.WithLabelValues("ok").Inc()
			case errors.Is(jr.err, domain.ErrNotFound):
				res.Vanished++
				metrics.PathsReconciled.WithLabelValues("vanished").Inc()
			default:
				res.Failed++
				metrics.PathsReconciled.WithLabelValues("error").Inc()
				r.logger.Warn("reconcile path counter", "path_id", jr.payload, "err", jr.err)
			}
		}
	}()

	var submitErr error
	for _, id := range ids {
		if submitErr = pool.Submit(ctx, id); submitErr != nil {
			break
		}
		metrics.ReconcileQueueUtilization.Set(pool.Utilization())
	}
	pool.Drain()
	<-collected
	metrics.ReconcileQueueUtilization.Set(0)
	metrics.ReconcileRuns.Inc()

	res.Duration = time.Since(start)
	if submitErr != nil {
		return res, submitErr
	}
	return res, ctx.Err()
}

// Run sweeps every interval until ctx is cancelled. A failed sweep is logged
// and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("counter reconciler started", "interval", interval, "workers", r.workers)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("counter reconciliation failed", "err", err)
				continue
			}
			r.logger.Info("counters reconciled",
				"paths", res.Paths, "updated", res.Updated, "vanished", res.Vanished,
				"failed", res.Failed, "duration_ms", res.Duration.Milliseconds())
		}
	}
}
