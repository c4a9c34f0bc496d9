package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"docforge/internal/bulk"
	"docforge/internal/jobs"
	"docforge/internal/logging"
	"docforge/internal/tasks"
)

// BatchProcessor 是 worker 调用的批次处理接口。
type BatchProcessor interface {
	Job(ctx context.Context, jobID uint) (*jobs.Job, error)
	ProcessBatch(ctx context.Context, b bulk.Batch) (bulk.Outcome, error)
}

// BulkBatchHandler 负责消费批量生成的批次任务。
type BulkBatchHandler struct {
	processor BatchProcessor
	logger    *slog.Logger
}

func NewBulkBatchHandler(processor BatchProcessor, logger *slog.Logger) *BulkBatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkBatchHandler{processor: processor, logger: logger}
}

// ProcessTask 实现 asynq.Handler。返回错误时 asynq 会重试；批次身份保证重试不会重复计数。
func (h *BulkBatchHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := tasks.ParseBulkBatch(t)
	if err != nil {
		h.logger.Error("unmarshal task payload failed", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	ctx = logging.WithJobID(logging.WithCorrelationID(ctx, payload.CorrelationID), payload.JobID)
	log := logging.FromContext(ctx, h.logger).With(slog.Int("batch_index", payload.BatchIndex))

	job, err := h.processor.Job(ctx, payload.JobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		log.Warn("job not found, skipping batch")
		return nil
	case err != nil:
		log.Error("load job failed", slog.Any("error", err))
		return err
	case job.Status.Terminal():
		log.Info("job already finalized, skipping batch", slog.String("status", string(job.Status)))
		return nil
	}

	log.Info("processing bulk batch", slog.Int("rows", len(payload.Rows)))
	out, err := h.processor.ProcessBatch(ctx, bulk.BatchOf(payload))
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidBatch) {
			log.Error("invalid batch, not retrying", slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		log.Error("process batch failed", slog.Any("error", err))
		return err
	}

	log.Info("bulk batch done",
		slog.Bool("duplicate", out.Duplicate),
		slog.Bool("abandoned", out.Abandoned),
		slog.Int("succeeded", out.Succeeded),
		slog.Int("failed", out.Failed),
		slog.Bool("finalized", out.Finalized),
	)
	return nil
}
