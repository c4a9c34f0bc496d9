// Package bulk turns a CSV of rows into one generated document per row.
//
// A submission creates a job, splits the rows into batches and hands each
// batch to a Dispatcher. Batches run independently and in any order; each
// one renders its rows concurrently, then applies its aggregate outcome to
// the job store in one step. The batch that observes every row processed
// wins the finalization claim, archives the documents and notifies.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docforge/internal/billing"
	"docforge/internal/jobs"
	"docforge/internal/layout"
	"docforge/internal/render"
	"docforge/internal/storage"
)

const (
	DefaultBatchSize      = 50
	DefaultRowConcurrency = 8
	DefaultResultTTL      = 24 * time.Hour
)

var (
	ErrNoRows      = errors.New("csv contains no data rows")
	ErrTooManyRows = errors.New("csv exceeds the row limit")
	ErrDispatch    = errors.New("batch dispatch failed")
)

// MissingColumnsError lists required field labels absent from the CSV headers.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("csv is missing required columns: %s", strings.Join(e.Columns, ", "))
}

// Batch is one unit of dispatched work.
type Batch struct {
	JobID         uint
	EntityID      uint
	TemplateID    uint
	BatchIndex    int
	StartRow      int
	Rows          []map[string]any
	CorrelationID string
}

// Dispatcher hands a batch to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, b Batch) error
}

// Completion is sent once per job after finalization.
type Completion struct {
	JobID        uint        `json:"job_id"`
	EntityID     uint        `json:"entity_id"`
	Status       jobs.Status `json:"status"`
	Email        string      `json:"email,omitempty"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	ResultKey    string      `json:"result_key,omitempty"`
	ErrorCode    int         `json:"error_code"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Notifier delivers progress after every applied batch and the completion
// notice after finalization.
type Notifier interface {
	Progress(ctx context.Context, s StatusView) error
	Completed(ctx context.Context, c Completion) error
}

// Templates loads an entity's template document.
type Templates interface {
	LoadDocument(ctx context.Context, entityID, id uint) (*layout.Document, error)
}

// Generator renders and stores one document.
type Generator interface {
	Generate(ctx context.Context, req render.GenerateRequest) (*render.Generated, error)
}

// Billing resolves suppliers and records invoices for generated rows.
type Billing interface {
	ResolveSupplier(ctx context.Context, entityID uint, name, email string) (*billing.Supplier, error)
	RecordInvoice(ctx context.Context, rec billing.InvoiceRecord) (uint, error)
}

// Options tune batching and execution.
type Options struct {
	BatchSize      int
	RowConcurrency int
	MaxRows        int
	// LocalFallback runs a batch in-process when dispatch fails.
	LocalFallback bool
	ResultTTL     time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.RowConcurrency <= 0 {
		o.RowConcurrency = DefaultRowConcurrency
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = DefaultResultTTL
	}
	return o
}

// Deps are the collaborators of an Orchestrator. Billing, Notifier and
// Dispatcher may be nil: without a dispatcher every batch runs in-process.
type Deps struct {
	Store      jobs.Store
	Templates  Templates
	Generator  Generator
	Blobs      storage.Blobs
	Billing    Billing
	Dispatcher Dispatcher
	Notifier   Notifier
	Logger     *slog.Logger
}

// Orchestrator coordinates bulk jobs. The API and the worker each hold one;
// all shared state lives in the job store.
type Orchestrator struct {
	store      jobs.Store
	templates  Templates
	generator  Generator
	blobs      storage.Blobs
	billing    Billing
	dispatcher Dispatcher
	notifier   Notifier
	logger     *slog.Logger
	opts       Options
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      deps.Store,
		templates:  deps.Templates,
		generator:  deps.Generator,
		blobs:      deps.Blobs,
		billing:    deps.Billing,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// document loads the job's template, or the standard layout for id 0.
func (o *Orchestrator) document(ctx context.Context, entityID, templateID uint) (*layout.Document, error) {
	if templateID == 0 {
		doc := layout.StandardDocument()
		doc.EntityID = entityID
		return doc, nil
	}
	if o.templates == nil {
		return nil, fmt.Errorf("template %d: no template source configured", templateID)
	}
	return o.templates.LoadDocument(ctx, entityID, templateID)
}
