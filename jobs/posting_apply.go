package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/costing/internal/jobs"
	"github.com/odyssey-erp/costing/internal/posting"
)

// PostingApplier applies a posting request.
type PostingApplier interface {
	Apply(ctx context.Context, source string) error
}

// PostingApplyJob drives external posting. A returned error makes asynq retry with backoff.
type PostingApplyJob struct {
	Applier PostingApplier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPostingApplyJob initialises the posting apply handler.
func NewPostingApplyJob(applier PostingApplier, logger *slog.Logger, metrics *jobmetrics.Metrics) *PostingApplyJob {
	return &PostingApplyJob{Applier: applier, Logger: logger, Metrics: metrics}
}

// Handle applies the request named by the payload.
func (j *PostingApplyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Applier == nil {
		return errors.New("posting apply: handler not configured")
	}
	var payload PostingApplyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Source == "" {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskPostingApply)
	err := j.Applier.Apply(ctx, payload.Source)
	switch {
	case err == nil:
		return tracker.End(nil)
	case errors.Is(err, posting.ErrRequestNotFound):
		j.logger().Warn("posting request missing, dropping task", slog.String("source", payload.Source))
		tracker.Drop()
		return asynq.SkipRetry
	}
	retry, _ := asynq.GetRetryCount(ctx)
	j.logger().Warn("posting attempt incomplete",
		slog.String("source", payload.Source),
		slog.Int("retry", retry),
		slog.Any("error", err),
	)
	return tracker.End(err)
}

func (j *PostingApplyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
