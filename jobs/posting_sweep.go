package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/costing/internal/jobs"
	"github.com/odyssey-erp/costing/internal/posting"
)

// UnsettledLister lists posting requests that still have targets to apply.
type UnsettledLister interface {
	Unsettled(ctx context.Context, age time.Duration, limit int) ([]string, error)
}

// PostingSweepJob re-dispatches requests that were never enqueued or whose attempts ran out.
type PostingSweepJob struct {
	Lister     UnsettledLister
	Dispatcher posting.Dispatcher
	MinAge     time.Duration
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewPostingSweepJob initialises the sweep handler.
func NewPostingSweepJob(lister UnsettledLister, dispatcher posting.Dispatcher, minAge time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *PostingSweepJob {
	return &PostingSweepJob{Lister: lister, Dispatcher: dispatcher, MinAge: minAge, Logger: logger, Metrics: metrics}
}

const defaultSweepLimit = 500

// Handle lists unsettled requests and dispatches each one.
func (j *PostingSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Lister == nil || j.Dispatcher == nil {
		return errors.New("posting sweep: handler not configured")
	}
	var payload PostingSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.MinAge <= 0 {
		payload.MinAge = j.MinAge
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultSweepLimit
	}

	start := time.Now()
	tracker := j.Metrics.Track(TaskPostingSweep)
	sources, err := j.Lister.Unsettled(ctx, payload.MinAge, payload.Limit)
	if err != nil {
		j.logger().Error("posting sweep list failed", slog.Any("error", err))
		return tracker.End(err)
	}

	var errs []error
	requeued := 0
	for _, source := range sources {
		if err := j.Dispatcher.Dispatch(ctx, source); err != nil {
			errs = append(errs, err)
			continue
		}
		requeued++
	}
	j.Metrics.AddItems(TaskPostingSweep, "requeued", requeued)
	j.logger().Info("posting sweep completed",
		slog.Int("unsettled", len(sources)),
		slog.Int("requeued", requeued),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(errors.Join(errs...))
}

func (j *PostingSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
