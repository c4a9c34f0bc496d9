package bulk

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"docforge/internal/errcode"
	"docforge/internal/jobs"
	"docforge/internal/metrics"
	"docforge/internal/storage"
)

// ResultKey is the storage key of a job's document archive.
func ResultKey(entityID, jobID uint) string {
	return fmt.Sprintf("bulk-results/%d/%d/documents.zip", entityID, jobID)
}

// Finalize archives the job's documents, records the terminal status and
// sends the completion notice. It must run once per job, after the caller
// won jobs.Store.ClaimFinalization. The job always leaves processing: when
// the archive cannot be built the status is still recorded, without a result.
func (o *Orchestrator) Finalize(ctx context.Context, jobID uint) error {
	log := o.logger.With(slog.Uint64("job_id", uint64(jobID)))

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	status := jobs.StatusCompleted
	if job.SuccessCount == 0 {
		status = jobs.StatusFailed
	}

	var (
		resultKey  string
		archiveErr error
	)
	if job.SuccessCount > 0 {
		resultKey, archiveErr = o.archive(ctx, job)
		if archiveErr != nil {
			log.Error("build result archive failed", slog.Any("error", archiveErr))
			resultKey = ""
		}
	}

	if err := o.store.Complete(ctx, jobID, status, resultKey); err != nil {
		return fmt.Errorf("record terminal status: %w", err)
	}
	metrics.ObserveFinalized(string(status))
	log.Info("bulk job finalized",
		slog.String("status", string(status)),
		slog.Int("succeeded", job.SuccessCount),
		slog.Int("failed", job.FailureCount),
		slog.String("result_key", resultKey),
	)

	notice := Completion{
		JobID:        job.ID,
		EntityID:     job.EntityID,
		Status:       status,
		Email:        job.NotifyEmail,
		SuccessCount: job.SuccessCount,
		FailureCount: job.FailureCount,
		ResultKey:    resultKey,
		ErrorCode:    errcode.OK,
	}
	switch {
	case archiveErr != nil:
		notice.ErrorCode = errcode.ResultMissing
		notice.ErrorMessage = "documents were generated but the result archive could not be stored"
	case job.SuccessCount == 0:
		notice.ErrorCode = errcode.AllRowsFailed
		notice.ErrorMessage = fmt.Sprintf("all %d rows failed", job.TotalRows)
	case job.FailureCount > 0:
		notice.ErrorCode = errcode.RowsFailed
		notice.ErrorMessage = fmt.Sprintf("%d of %d rows failed", job.FailureCount, job.TotalRows)
	}
	if o.notifier != nil {
		if err := o.notifier.Completed(ctx, notice); err != nil {
			log.Error("send completion notice failed", slog.Any("error", err))
		}
	}
	return archiveErr
}

// archive zips the job's documents in row order and uploads the archive.
// A row that was rendered more than once keeps its first document.
func (o *Orchestrator) archive(ctx context.Context, job *jobs.Job) (string, error) {
	docs, err := o.store.Documents(ctx, job.ID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	written := make(map[int]struct{}, len(docs))
	for _, d := range docs {
		if _, dup := written[d.RowIndex]; dup {
			continue
		}
		data, err := o.blobs.Download(ctx, d.ObjectKey)
		if err != nil {
			return "", fmt.Errorf("download row %d document: %w", d.RowIndex, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     fmt.Sprintf("row-%05d%s", d.RowIndex+1, path.Ext(d.ObjectKey)),
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			return "", fmt.Errorf("add row %d to archive: %w", d.RowIndex, err)
		}
		if _, err := w.Write(data); err != nil {
			return "", fmt.Errorf("write row %d to archive: %w", d.RowIndex, err)
		}
		written[d.RowIndex] = struct{}{}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	key := ResultKey(job.EntityID, job.ID)
	if _, err := o.blobs.Upload(ctx, key, buf.Bytes(), storage.UploadOptions{ContentType: "application/zip"}); err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	return key, nil
}

// ErrIncomplete is returned by Recover for jobs that still have rows to apply.
var ErrIncomplete = errors.New("job has unprocessed rows")

// Recover finalizes a job whose rows were all applied but which never left
// processing, e.g. because the finalizing worker died after claiming it.
// It reports whether finalization ran.
func (o *Orchestrator) Recover(ctx context.Context, jobID uint) (bool, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}
	if job.ProcessedRows < job.TotalRows {
		return false, fmt.Errorf("job %d: %d of %d rows: %w", jobID, job.ProcessedRows, job.TotalRows, ErrIncomplete)
	}
	// A claimed job is finalized again; Complete and the archive upload are
	// both safe to repeat.
	if _, err := o.store.ClaimFinalization(ctx, jobID); err != nil {
		return false, err
	}
	if err := o.Finalize(ctx, jobID); err != nil {
		return false, err
	}
	return true, nil
}
