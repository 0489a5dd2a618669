package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue for maintenance crons.
	QueueDefault = "default"
	// QueuePosting carries external posting attempts.
	QueuePosting = "posting"

	// TaskPostingApply applies one posting request to the external system.
	TaskPostingApply = "posting:apply"
	// TaskPostingSweep re-enqueues posting requests that never settled.
	TaskPostingSweep = "posting:sweep"
	// TaskRollupVerify folds every variant ledger and repairs diverged rollups.
	TaskRollupVerify = "inventory:rollup_verify"
)

// PostingApplyPayload names the posting request to apply.
type PostingApplyPayload struct {
	Source string `json:"source"`
}

// NewPostingApplyTask constructs a posting apply task.
func NewPostingApplyTask(source string) (*asynq.Task, error) {
	if source == "" {
		return nil, errors.New("posting apply: source required")
	}
	body, err := json.Marshal(PostingApplyPayload{Source: source})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPostingApply, body, asynq.Queue(QueuePosting)), nil
}

// PostingSweepPayload tunes a sweep run.
type PostingSweepPayload struct {
	MinAge time.Duration `json:"min_age"`
	Limit  int           `json:"limit"`
}

// NewPostingSweepTask constructs the sweep task registered on cron.
func NewPostingSweepTask(minAge time.Duration, limit int) (*asynq.Task, error) {
	body, err := json.Marshal(PostingSweepPayload{MinAge: minAge, Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPostingSweep, body, asynq.Queue(QueueDefault)), nil
}

// RollupVerifyPayload restricts a verification run. An empty list verifies every variant.
type RollupVerifyPayload struct {
	VariantIDs []string `json:"variant_ids,omitempty"`
}

// NewRollupVerifyTask constructs the verification task registered on cron.
func NewRollupVerifyTask(variantIDs ...string) (*asynq.Task, error) {
	body, err := json.Marshal(RollupVerifyPayload{VariantIDs: variantIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRollupVerify, body, asynq.Queue(QueueDefault)), nil
}
