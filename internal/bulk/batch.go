package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"docforge/internal/billing"
	"docforge/internal/ingest"
	"docforge/internal/jobs"
	"docforge/internal/layout"
	"docforge/internal/metrics"
	"docforge/internal/render"
)

// Outcome summarizes one ProcessBatch call.
type Outcome struct {
	Duplicate bool
	// Abandoned is set when the job ended before the batch ran, e.g. a job
	// failed because a later batch could not be dispatched.
	Abandoned bool
	Succeeded int
	Failed    int
	Finalized bool
}

type rowResult struct {
	doc jobs.Document
	err error
}

// ProcessBatch renders every row of b and applies the aggregate outcome.
// A batch identity that was already applied is skipped, so redelivery is
// harmless. Row failures are recorded in the job's error log; the returned
// error only reports failures to persist the batch outcome.
func (o *Orchestrator) ProcessBatch(ctx context.Context, b Batch) (Outcome, error) {
	log := o.logger.With(
		slog.Uint64("job_id", uint64(b.JobID)),
		slog.Int("batch_index", b.BatchIndex),
		slog.String("correlation_id", b.CorrelationID),
	)
	if len(b.Rows) == 0 {
		return Outcome{}, fmt.Errorf("batch %d/%d: %w", b.JobID, b.BatchIndex, jobs.ErrInvalidBatch)
	}

	seen, err := o.store.BatchApplied(ctx, b.JobID, b.BatchIndex)
	if err != nil {
		return Outcome{}, err
	}
	if seen {
		log.Info("batch already applied, skipping")
		metrics.ObserveBatch("duplicate")
		return Outcome{Duplicate: true}, nil
	}
	job, err := o.store.Get(ctx, b.JobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.Status.Terminal() {
		log.Warn("job already ended, dropping batch", slog.String("status", string(job.Status)))
		metrics.ObserveBatch("abandoned")
		return Outcome{Abandoned: true}, nil
	}
	if err := o.store.MarkProcessing(ctx, b.JobID); err != nil {
		return Outcome{}, err
	}

	results := o.runRows(ctx, log, b)

	res := jobs.BatchResult{JobID: b.JobID, BatchIndex: b.BatchIndex, RowCount: len(b.Rows)}
	for i, r := range results {
		if r.err != nil {
			res.Failed++
			res.Errors = append(res.Errors, jobs.RowError{
				RowIndex: b.StartRow + i,
				Row:      b.Rows[i],
				Message:  r.err.Error(),
			})
			continue
		}
		res.Succeeded++
	}

	applied, err := o.store.ApplyBatch(ctx, res)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		log.Info("batch applied concurrently by another delivery")
		metrics.ObserveBatch("duplicate")
		return Outcome{Duplicate: true}, nil
	}
	metrics.ObserveBatch("applied")
	metrics.ObserveRows(res.Succeeded, res.Failed)
	log.Info("batch applied",
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)

	out := Outcome{Succeeded: res.Succeeded, Failed: res.Failed}
	o.publishProgress(ctx, log, b.JobID)

	won, err := o.store.ClaimFinalization(ctx, b.JobID)
	if err != nil {
		return out, err
	}
	if won {
		out.Finalized = true
		if err := o.Finalize(ctx, b.JobID); err != nil {
			log.Error("finalization failed", slog.Any("error", err))
		}
	}
	return out, nil
}

// runRows processes rows concurrently. Every row yields a result; a row's
// error or panic never affects its siblings.
func (o *Orchestrator) runRows(ctx context.Context, log *slog.Logger, b Batch) []rowResult {
	results := make([]rowResult, len(b.Rows))

	doc, err := o.document(ctx, b.EntityID, b.TemplateID)
	if err != nil {
		log.Error("load template for batch failed", slog.Any("error", err))
		for i := range results {
			results[i].err = fmt.Errorf("load template: %w", err)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(o.opts.RowConcurrency)
	for i := range b.Rows {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					results[i].err = fmt.Errorf("row panicked: %v", p)
				}
			}()
			rowIndex := b.StartRow + i
			d, err := o.processRow(ctx, doc, b, rowIndex, b.Rows[i])
			if err != nil {
				log.Warn("row failed", slog.Int("row_index", rowIndex), slog.Any("error", err))
			}
			results[i] = rowResult{doc: d, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) processRow(ctx context.Context, doc *layout.Document, b Batch, rowIndex int, row map[string]any) (jobs.Document, error) {
	var supplierID uint
	if name, email := ingest.Supplier(row); name != "" && o.billing != nil {
		s, err := o.billing.ResolveSupplier(ctx, b.EntityID, name, email)
		if err != nil {
			return jobs.Document{}, fmt.Errorf("resolve supplier: %w", err)
		}
		supplierID = s.ID
	}

	gen, err := o.generator.Generate(ctx, render.GenerateRequest{
		Document: doc,
		Values:   row,
		Origin:   render.OriginBulk,
		JobID:    b.JobID,
	})
	if err != nil {
		return jobs.Document{}, describeRowError(err)
	}

	rec := jobs.Document{
		JobID:       b.JobID,
		RowIndex:    rowIndex,
		ObjectKey:   gen.ObjectKey,
		ContentType: gen.ContentType,
	}
	if o.billing != nil {
		id, err := o.billing.RecordInvoice(ctx, billing.InvoiceRecord{
			EntityID:    b.EntityID,
			SupplierID:  supplierID,
			JobID:       b.JobID,
			RowIndex:    rowIndex,
			Number:      rowText(row, "invoice number", "invoice_number", "number"),
			Amount:      rowText(row, "amount", "total"),
			DocumentKey: gen.ObjectKey,
			Data:        row,
		})
		if err != nil {
			return jobs.Document{}, fmt.Errorf("record invoice: %w", err)
		}
		rec.InvoiceID = id
	}
	if err := o.store.AddDocument(ctx, rec); err != nil {
		return jobs.Document{}, fmt.Errorf("record document: %w", err)
	}
	return rec, nil
}

// describeRowError keeps validation messages short for the error log.
func describeRowError(err error) error {
	var missing *render.MissingFieldsError
	if errors.As(err, &missing) {
		return missing
	}
	return fmt.Errorf("generate document: %w", err)
}

// rowText returns the first non-empty text value among keys (case-insensitive).
func rowText(row map[string]any, keys ...string) string {
	for _, want := range keys {
		for k, v := range row {
			if !strings.EqualFold(strings.TrimSpace(k), want) {
				continue
			}
			if s, ok := layout.TextValue(v); ok {
				return s
			}
		}
	}
	return ""
}

func (o *Orchestrator) publishProgress(ctx context.Context, log *slog.Logger, jobID uint) {
	if o.notifier == nil {
		return
	}
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		log.Warn("load job for progress failed", slog.Any("error", err))
		return
	}
	if err := o.notifier.Progress(ctx, viewOf(job, "")); err != nil {
		log.Warn("publish progress failed", slog.Any("error", err))
	}
}
