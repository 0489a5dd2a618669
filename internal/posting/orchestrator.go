package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/odyssey-erp/costing/internal/observability"
)

// TxWriter is the part of the store other modules use inside their own transactions.
type TxWriter interface {
	InsertRequest(ctx context.Context, req Request) error
}

// RepositoryPort abstracts the posting store. Every method is atomic on its own.
type RepositoryPort interface {
	GetRequest(ctx context.Context, source string) (Request, error)
	// EnsureRecord inserts rec when no record exists for its key and returns the stored record.
	EnsureRecord(ctx context.Context, rec Record) (Record, error)
	// ClaimRecord moves a non-APPLIED record with an expired lease to PENDING, bumps attempts and sets the
	// lease. It reports false with the current record when the conditional update matched nothing.
	ClaimRecord(ctx context.Context, source, target string, now, until time.Time) (Record, bool, error)
	MarkApplied(ctx context.Context, source, target, externalRef string, now time.Time) error
	MarkFailed(ctx context.Context, source, target, message string, now time.Time) error
	ReleaseClaim(ctx context.Context, source, target string, now time.Time) error
	MarkSettled(ctx context.Context, source string, now time.Time) error
	ListRecords(ctx context.Context, source string) ([]Record, error)
	ListUnsettled(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
}

// External applies stock and cost mutations to the commerce system.
type External interface {
	ApplyDelta(ctx context.Context, m Mutation) (MutationResult, error)
}

// Dispatcher schedules an orchestrator run for a source outside the caller's transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, source string) error
}

// Config tunes the orchestrator.
type Config struct {
	ClaimLease  time.Duration
	CallTimeout time.Duration
}

// Orchestrator applies captured deltas to the external system at most once per (source, target).
type Orchestrator struct {
	repo     RepositoryPort
	external External
	lease    time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.CostingMetrics
	clock    func() time.Time
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(repo RepositoryPort, external External, cfg Config, logger *slog.Logger, metrics *observability.CostingMetrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Orchestrator{
		repo:     repo,
		external: external,
		lease:    cfg.ClaimLease,
		timeout:  cfg.CallTimeout,
		logger:   logger,
		metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Apply posts every delta of the source. Targets already APPLIED are skipped, so repeated calls are safe.
// Failures of individual targets are joined and returned for the retry driver.
func (o *Orchestrator) Apply(ctx context.Context, source string) error {
	req, err := o.repo.GetRequest(ctx, source)
	if err != nil {
		return err
	}
	var errs []error
	for _, delta := range req.Deltas {
		if err := o.applyTarget(ctx, source, delta); err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", delta.Target, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if req.SettledAt == nil {
		if err := o.repo.MarkSettled(ctx, source, o.clock()); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyTarget(ctx context.Context, source string, delta Delta) error {
	now := o.clock()
	key := IdempotencyKey(source, delta.Target)
	rec, err := o.repo.EnsureRecord(ctx, Record{
		Source:         source,
		Target:         delta.Target,
		Status:         StatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return err
	}
	if rec.Status == StatusApplied {
		o.metrics.PostingAttempt("skipped")
		return nil
	}

	rec, claimed, err := o.repo.ClaimRecord(ctx, source, delta.Target, now, now.Add(o.lease))
	if err != nil {
		return err
	}
	if !claimed {
		if rec.Status == StatusApplied {
			o.metrics.PostingAttempt("skipped")
			return nil
		}
		o.metrics.PostingAttempt("busy")
		return ErrClaimed
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	result, err := o.external.ApplyDelta(callCtx, Mutation{
		Target:         delta.Target,
		QtyDelta:       delta.QtyDelta,
		NewUnitCost:    delta.NewUnitCost,
		Currency:       delta.Currency,
		OnHand:         delta.OnHand,
		Sequence:       delta.Sequence,
		IdempotencyKey: key.String(),
	})
	cancel()

	switch {
	case err != nil && isTimeout(err):
		o.metrics.PostingAttempt("timeout")
		o.logger.Warn("external posting timed out",
			slog.String("source", source),
			slog.String("target", delta.Target),
			slog.Int("attempts", rec.Attempts),
		)
		if relErr := o.repo.ReleaseClaim(ctx, source, delta.Target, o.clock()); relErr != nil {
			return errors.Join(ErrTimeout, relErr)
		}
		return ErrTimeout
	case err != nil:
		return o.fail(ctx, source, delta.Target, rec.Attempts, err.Error())
	case !result.Accepted:
		return o.fail(ctx, source, delta.Target, rec.Attempts, "rejected: "+result.Message)
	}

	if err := o.repo.MarkApplied(ctx, source, delta.Target, result.Reference, o.clock()); err != nil {
		return err
	}
	o.metrics.PostingAttempt("applied")
	o.logger.Info("external posting applied",
		slog.String("source", source),
		slog.String("target", delta.Target),
		slog.String("external_ref", result.Reference),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, source, target string, attempts int, message string) error {
	o.metrics.PostingAttempt("failed")
	o.logger.Warn("external posting failed",
		slog.String("source", source),
		slog.String("target", target),
		slog.Int("attempts", attempts),
		slog.String("error", message),
	)
	if err := o.repo.MarkFailed(ctx, source, target, message, o.clock()); err != nil {
		return errors.Join(fmt.Errorf("%w: %s", ErrExternal, message), err)
	}
	return fmt.Errorf("%w: %s", ErrExternal, message)
}

// SyncStatus reports the aggregated posting state of a source. A source without a request is NOT_QUEUED.
func (o *Orchestrator) SyncStatus(ctx context.Context, source string) (SyncReport, error) {
	req, err := o.repo.GetRequest(ctx, source)
	if errors.Is(err, ErrRequestNotFound) {
		return SyncReport{Source: source, Status: SyncNotQueued, Records: []Record{}}, nil
	}
	if err != nil {
		return SyncReport{}, err
	}
	records, err := o.repo.ListRecords(ctx, source)
	if err != nil {
		return SyncReport{}, err
	}
	return SyncReport{Source: source, Status: Summarise(&req, records), Records: records}, nil
}

// Unsettled lists sources whose requests are older than age and still have targets not APPLIED.
func (o *Orchestrator) Unsettled(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	return o.repo.ListUnsettled(ctx, o.clock().Add(-age), limit)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
