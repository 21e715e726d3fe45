package stores

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/polyveda/access"
)

const (
	// QueueCompliance is the asynq queue review tasks are placed on.
	QueueCompliance = "compliance"
	// TaskTypeComplianceReview is the task type of a queued ReviewItem.
	TaskTypeComplianceReview = "compliance:review"
)

// NewReviewTask constructs an asynq task carrying one review item.
func NewReviewTask(item *access.ReviewItem) (*asynq.Task, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeComplianceReview, data, asynq.Queue(QueueCompliance), asynq.MaxRetry(5)), nil
}

// AsynqReviewQueue hands review items to an asynq worker pool.
type AsynqReviewQueue struct {
	client *asynq.Client
}

func NewAsynqReviewQueue(redisOpts asynq.RedisClientOpt) *AsynqReviewQueue {
	return &AsynqReviewQueue{client: asynq.NewClient(redisOpts)}
}

func (q *AsynqReviewQueue) Enqueue(ctx context.Context, item *access.ReviewItem) error {
	task, err := NewReviewTask(item)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task, asynq.TaskID(item.ID))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (q *AsynqReviewQueue) Close() error {
	return q.client.Close()
}

// HandleReviewTask adapts fn to an asynq handler. Undecodable payloads are
// not retried.
func HandleReviewTask(fn func(ctx context.Context, item *access.ReviewItem) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var item access.ReviewItem
		if err := json.Unmarshal(t.Payload(), &item); err != nil {
			return asynq.SkipRetry
		}
		return fn(ctx, &item)
	}
}
