// Package jobs holds the state of bulk generation jobs. Counters change only
// when a whole batch is applied, a batch identity (job id, batch index) is
// applied at most once, and exactly one caller wins the finalization claim.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound        = errors.New("job not found")
	ErrInvalidBatch    = errors.New("invalid batch result")
	ErrInvalidTerminal = errors.New("status is not terminal")
)

// Job is the persisted state of one bulk generation request.
type Job struct {
	ID            uint       `json:"id"`
	EntityID      uint       `json:"entity_id"`
	TemplateID    uint       `json:"template_id"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	SuccessCount  int        `json:"success_count"`
	FailureCount  int        `json:"failure_count"`
	BatchCount    int        `json:"batch_count"`
	Status        Status     `json:"status"`
	ResultKey     string     `json:"result_key,omitempty"`
	NotifyEmail   string     `json:"notify_email,omitempty"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Done reports whether every row has been accounted for.
func (j *Job) Done() bool {
	return j.ProcessedRows >= j.TotalRows
}

// RowError is one entry of a job's error log.
type RowError struct {
	RowIndex int            `json:"row_index"`
	Row      map[string]any `json:"row"`
	Message  string         `json:"error"`
}

// BatchResult is the aggregate outcome of one batch.
type BatchResult struct {
	JobID      uint
	BatchIndex int
	RowCount   int
	Succeeded  int
	Failed     int
	Errors     []RowError
}

func (b BatchResult) validate() error {
	if b.RowCount <= 0 || b.Succeeded < 0 || b.Failed < 0 || b.Succeeded+b.Failed != b.RowCount {
		return fmt.Errorf("%w: rows=%d succeeded=%d failed=%d", ErrInvalidBatch, b.RowCount, b.Succeeded, b.Failed)
	}
	return nil
}

// Document is a successfully generated row kept for the result archive.
type Document struct {
	JobID       uint   `json:"job_id"`
	RowIndex    int    `json:"row_index"`
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	InvoiceID   uint   `json:"invoice_id,omitempty"`
}

// Store is the job state contract shared by the API, the worker and the
// local fallback path.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uint) (*Job, error)
	// MarkProcessing moves a pending job to processing; other states are left alone.
	MarkProcessing(ctx context.Context, id uint) error
	// BatchApplied reports whether the batch identity was already counted.
	BatchApplied(ctx context.Context, jobID uint, batchIndex int) (bool, error)
	// ApplyBatch atomically records the batch identity, increments the
	// counters and appends the error log. It reports false, changing
	// nothing, when the identity was already applied.
	ApplyBatch(ctx context.Context, res BatchResult) (bool, error)
	// ClaimFinalization succeeds for exactly one caller once every row has
	// been processed.
	ClaimFinalization(ctx context.Context, jobID uint) (bool, error)
	// Complete sets the terminal status and, on success, the result key.
	Complete(ctx context.Context, jobID uint, status Status, resultKey string) error
	// AddDocument records a row's document. A row that already has one keeps it.
	AddDocument(ctx context.Context, doc Document) error
	// Documents lists the job's documents ordered by row index.
	Documents(ctx context.Context, jobID uint) ([]Document, error)
	// Errors lists the error log ordered by row index.
	Errors(ctx context.Context, jobID uint) ([]RowError, error)
}
