package bulk

import (
	"context"
	"fmt"
	"log/slog"

	"docforge/internal/ingest"
	"docforge/internal/jobs"
	"docforge/internal/layout"
	"docforge/internal/metrics"
)

// SubmitRequest is a parsed bulk upload. TemplateID 0 selects the standard layout.
type SubmitRequest struct {
	EntityID      uint
	TemplateID    uint
	Table         *ingest.Table
	NotifyEmail   string
	CorrelationID string
}

// CheckColumns returns a *MissingColumnsError naming every required field
// whose label (or id) is not a CSV header.
func CheckColumns(fields []layout.Field, table *ingest.Table) error {
	var missing []string
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if table.HasHeader(f.Label) || table.HasHeader(f.ID) {
			continue
		}
		missing = append(missing, f.Label)
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Columns: missing}
	}
	return nil
}

// SplitBatches cuts rows into consecutive batches of at most size rows.
func SplitBatches(job *jobs.Job, rows []map[string]any, size int, correlationID string) []Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([]Batch, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		batches = append(batches, Batch{
			JobID:         job.ID,
			EntityID:      job.EntityID,
			TemplateID:    job.TemplateID,
			BatchIndex:    len(batches),
			StartRow:      start,
			Rows:          rows[start:end],
			CorrelationID: correlationID,
		})
	}
	return batches
}

// Submit validates the upload against the template, creates the job and
// dispatches its batches. Validation failures create nothing.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	doc, err := o.document(ctx, req.EntityID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := layout.Strict(doc.Fields); err != nil {
		return nil, err
	}
	if req.Table == nil || len(req.Table.Rows) == 0 {
		return nil, ErrNoRows
	}
	if err := CheckColumns(doc.Fields, req.Table); err != nil {
		return nil, err
	}
	if o.opts.MaxRows > 0 && len(req.Table.Rows) > o.opts.MaxRows {
		return nil, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, len(req.Table.Rows), o.opts.MaxRows)
	}

	rows := req.Table.Rows
	job := &jobs.Job{
		EntityID:    req.EntityID,
		TemplateID:  req.TemplateID,
		TotalRows:   len(rows),
		BatchCount:  (len(rows) + o.opts.BatchSize - 1) / o.opts.BatchSize,
		NotifyEmail: req.NotifyEmail,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, err
	}

	log := o.logger.With(
		slog.Uint64("job_id", uint64(job.ID)),
		slog.String("correlation_id", req.CorrelationID),
	)
	log.Info("bulk job created",
		slog.Int("total_rows", job.TotalRows),
		slog.Int("batch_count", job.BatchCount),
	)

	// asynq has no multi-task transaction: when batch k cannot be queued,
	// batches 0..k-1 are already queued. The job is marked failed so those
	// batches are dropped by ProcessBatch unless a worker already started them.
	for _, b := range SplitBatches(job, rows, o.opts.BatchSize, req.CorrelationID) {
		if err := o.dispatch(ctx, log, b); err != nil {
			if cerr := o.store.Complete(context.WithoutCancel(ctx), job.ID, jobs.StatusFailed, ""); cerr != nil {
				log.Error("mark undispatchable job failed", slog.Any("error", cerr))
			}
			if b.BatchIndex > 0 {
				log.Warn("job failed with batches already queued",
					slog.Int("queued_batches", b.BatchIndex),
					slog.Int("failed_batch", b.BatchIndex),
				)
			}
			return nil, err
		}
	}

	return o.store.Get(ctx, job.ID)
}

func (o *Orchestrator) dispatch(ctx context.Context, log *slog.Logger, b Batch) error {
	if o.dispatcher != nil {
		err := o.dispatcher.Dispatch(ctx, b)
		if err == nil {
			return nil
		}
		if !o.opts.LocalFallback {
			return fmt.Errorf("%w: batch %d: %v", ErrDispatch, b.BatchIndex, err)
		}
		log.Warn("batch dispatch degraded",
			slog.Int("batch_index", b.BatchIndex),
			slog.Any("error", err),
		)
		metrics.ObserveDispatchFallback()
	}

	// In-process execution outlives the submitting request.
	if _, err := o.ProcessBatch(context.WithoutCancel(ctx), b); err != nil {
		log.Error("local batch processing failed",
			slog.Int("batch_index", b.BatchIndex),
			slog.Any("error", err),
		)
	}
	return nil
}
