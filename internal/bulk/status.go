package bulk

import (
	"context"
	"log/slog"
	"math"

	"docforge/internal/jobs"
)

// StatusView is what callers see of a job.
type StatusView struct {
	JobID         uint        `json:"job_id"`
	Status        jobs.Status `json:"status"`
	ProcessedRows int         `json:"processed_rows"`
	TotalRows     int         `json:"total_rows"`
	SuccessCount  int         `json:"success_count"`
	FailureCount  int         `json:"failure_count"`
	Progress      int         `json:"progress"`
	ResultURL     string      `json:"result_url,omitempty"`
}

// Progress is round(processed/total*100), 0 when there are no rows.
func Progress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

func viewOf(job *jobs.Job, resultURL string) StatusView {
	return StatusView{
		JobID:         job.ID,
		Status:        job.Status,
		ProcessedRows: job.ProcessedRows,
		TotalRows:     job.TotalRows,
		SuccessCount:  job.SuccessCount,
		FailureCount:  job.FailureCount,
		Progress:      Progress(job.ProcessedRows, job.TotalRows),
		ResultURL:     resultURL,
	}
}

// Status reports the job's progress. The result URL is signed at read time
// and only present once the job completed with an archive.
func (o *Orchestrator) Status(ctx context.Context, jobID uint) (*StatusView, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var resultURL string
	if job.Status == jobs.StatusCompleted && job.ResultKey != "" && o.blobs != nil {
		url, err := o.blobs.URL(ctx, job.ResultKey, o.opts.ResultTTL)
		if err != nil {
			o.logger.Warn("sign result url failed",
				slog.Uint64("job_id", uint64(jobID)),
				slog.Any("error", err),
			)
		} else {
			resultURL = url
		}
	}
	view := viewOf(job, resultURL)
	return &view, nil
}

// Job returns the stored job, for callers that need more than the status.
func (o *Orchestrator) Job(ctx context.Context, jobID uint) (*jobs.Job, error) {
	return o.store.Get(ctx, jobID)
}

// Errors returns the job's error log ordered by row.
func (o *Orchestrator) Errors(ctx context.Context, jobID uint) ([]jobs.RowError, error) {
	if _, err := o.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.Errors(ctx, jobID)
}
