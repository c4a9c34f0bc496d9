package bulk

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"docforge/internal/tasks"
)

// AsynqDispatcher enqueues batches as tasks.TypeBulkBatch tasks.
type AsynqDispatcher struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

var _ Dispatcher = (*AsynqDispatcher)(nil)

func NewAsynqDispatcher(client *asynq.Client, queue string) *AsynqDispatcher {
	if queue == "" {
		queue = "default"
	}
	return &AsynqDispatcher{client: client, queue: queue, maxRetry: 5}
}

// Dispatch enqueues b. A batch already in the queue counts as dispatched.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, b Batch) error {
	task, err := tasks.NewBulkBatchTask(PayloadOf(b))
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue), asynq.MaxRetry(d.maxRetry))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// PayloadOf converts a batch into its task payload.
func PayloadOf(b Batch) tasks.BulkBatchPayload {
	return tasks.BulkBatchPayload{
		JobID:         b.JobID,
		EntityID:      b.EntityID,
		TemplateID:    b.TemplateID,
		BatchIndex:    b.BatchIndex,
		StartRow:      b.StartRow,
		Rows:          b.Rows,
		CorrelationID: b.CorrelationID,
	}
}

// BatchOf is the inverse of PayloadOf.
func BatchOf(p tasks.BulkBatchPayload) Batch {
	return Batch{
		JobID:         p.JobID,
		EntityID:      p.EntityID,
		TemplateID:    p.TemplateID,
		BatchIndex:    p.BatchIndex,
		StartRow:      p.StartRow,
		Rows:          p.Rows,
		CorrelationID: p.CorrelationID,
	}
}
