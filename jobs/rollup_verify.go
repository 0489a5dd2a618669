package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/costing/internal/inventory"
	jobmetrics "github.com/odyssey-erp/costing/internal/jobs"
)

// RollupVerifier folds ledgers and repairs rollups.
type RollupVerifier interface {
	VariantIDs(ctx context.Context) ([]string, error)
	VerifyRollup(ctx context.Context, variantID string) (inventory.VerifyResult, error)
}

// RollupVerifyJob checks every rollup row against its ledger fold.
type RollupVerifyJob struct {
	Verifier    RollupVerifier
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewRollupVerifyJob initialises the verification handler.
func NewRollupVerifyJob(verifier RollupVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *RollupVerifyJob {
	return &RollupVerifyJob{Verifier: verifier, Concurrency: 4, Logger: logger, Metrics: metrics}
}

// Handle verifies the requested variants, or all of them.
func (j *RollupVerifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("rollup verify: handler not configured")
	}
	var payload RollupVerifyPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := time.Now()
	tracker := j.Metrics.Track(TaskRollupVerify)
	ids := payload.VariantIDs
	if len(ids) == 0 {
		var err error
		ids, err = j.Verifier.VariantIDs(ctx)
		if err != nil {
			return tracker.End(err)
		}
	}

	limit := j.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var repaired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			result, err := j.Verifier.VerifyRollup(gctx, id)
			if err != nil {
				return err
			}
			if result.Repaired {
				repaired.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	j.Metrics.AddItems(TaskRollupVerify, "verified", len(ids))
	j.Metrics.AddItems(TaskRollupVerify, "repaired", int(repaired.Load()))
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("rollup verification completed",
		slog.Int("variants", len(ids)),
		slog.Int64("repaired", repaired.Load()),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(err)
}
