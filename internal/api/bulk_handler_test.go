package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"docforge/internal/bulk"
	"docforge/internal/jobs"
)

const invoiceCSV = "Invoice Number,Amount\nINV-1,10.00\nINV-2,\nINV-3,30.00\n"

func TestBulk_SubmitRunsLocallyAndReportsStatus(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.upload(t, "/v1/entities/4/bulk", "rows.csv", []byte(invoiceCSV), map[string]string{"notify_email": "ops@example.com"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
	}
	submitted := decode[struct {
		JobID     uint `json:"job_id"`
		TotalRows int  `json:"total_rows"`
	}](t, w)
	if submitted.JobID == 0 || submitted.TotalRows != 3 {
		t.Fatalf("unexpected submit response %+v", submitted)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", submitted.JobID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	view := decode[bulk.StatusView](t, w)
	if view.Status != jobs.StatusCompleted || view.ProcessedRows != 3 || view.SuccessCount != 2 || view.FailureCount != 1 || view.Progress != 100 {
		t.Fatalf("unexpected status %+v", view)
	}
	if !strings.HasPrefix(view.ResultURL, "https://blobs.example.invalid/bulk-results/4/") {
		t.Fatalf("result url = %q", view.ResultURL)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/errors", submitted.JobID), nil)
	items := decode[struct {
		Items []jobs.RowError `json:"items"`
	}](t, w)
	if len(items.Items) != 1 || items.Items[0].RowIndex != 1 || !strings.Contains(items.Items[0].Message, "Amount") {
		t.Fatalf("unexpected errors %+v", items.Items)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/errors?format=csv", submitted.JobID), nil)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	records, err := csv.NewReader(bytes.NewReader(w.Body.Bytes())).ReadAll()
	if err != nil {
		t.Fatalf("parse errors csv: %v", err)
	}
	if len(records) != 2 || records[0][0] != "row" || records[1][0] != "2" {
		t.Fatalf("unexpected errors csv %v", records)
	}
}

func TestBulk_SubmitRejections(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.upload(t, "/v1/entities/4/bulk", "rows.csv", []byte("Invoice Number\nINV-1\n"), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing column submit = %d", w.Code)
	}
	missing := decode[struct {
		MissingColumns []string `json:"missing_columns"`
	}](t, w)
	if strings.Join(missing.MissingColumns, ",") != "Amount" {
		t.Fatalf("missing columns = %v", missing.MissingColumns)
	}

	if w := s.upload(t, "/v1/entities/4/bulk", "rows.csv", []byte("Invoice Number,Amount\n"), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("header-only submit = %d", w.Code)
	}
	if w := s.upload(t, "/v1/entities/4/bulk", "rows.csv", []byte(invoiceCSV), map[string]string{"template_id": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad template id = %d", w.Code)
	}
	if w := s.upload(t, "/v1/entities/4/bulk", "rows.csv", []byte(invoiceCSV), map[string]string{"template_id": "999"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown template = %d", w.Code)
	}
	if _, err := s.store.Get(t.Context(), 1); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("rejected submissions must not create jobs, got %v", err)
	}
}

func TestBulk_UnknownJob(t *testing.T) {
	s := newTestServer(t, nil)
	if w := s.do(t, http.MethodGet, "/v1/jobs/42", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status of unknown job = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/v1/jobs/42/errors", nil); w.Code != http.StatusNotFound {
		t.Fatalf("errors of unknown job = %d", w.Code)
	}
}

type fakeCounter struct {
	counts map[string]int64
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

type stubBulk struct {
	submitted int
}

func (s *stubBulk) Submit(ctx context.Context, req bulk.SubmitRequest) (*jobs.Job, error) {
	s.submitted++
	return &jobs.Job{ID: uint(s.submitted), EntityID: req.EntityID, TotalRows: len(req.Table.Rows), Status: jobs.StatusPending}, nil
}

func (s *stubBulk) Status(ctx context.Context, jobID uint) (*bulk.StatusView, error) {
	return nil, jobs.ErrNotFound
}

func (s *stubBulk) Errors(ctx context.Context, jobID uint) ([]jobs.RowError, error) {
	return nil, jobs.ErrNotFound
}

func TestBulk_SubmitRateLimited(t *testing.T) {
	s := newTestServer(t, nil)
	service := &stubBulk{}
	handler := NewBulkHandler(service, &fakeCounter{}, 2, 1<<20)
	s.router.POST("/limited/entities/:entityId/bulk", handler.Submit)

	for i := 0; i < 2; i++ {
		if w := s.upload(t, "/limited/entities/4/bulk", "rows.csv", []byte(invoiceCSV), nil); w.Code != http.StatusAccepted {
			t.Fatalf("submit %d = %d", i, w.Code)
		}
	}
	if w := s.upload(t, "/limited/entities/4/bulk", "rows.csv", []byte(invoiceCSV), nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third submit = %d", w.Code)
	}
	if w := s.upload(t, "/limited/entities/5/bulk", "rows.csv", []byte(invoiceCSV), nil); w.Code != http.StatusAccepted {
		t.Fatalf("other entity submit = %d", w.Code)
	}
	if service.submitted != 3 {
		t.Fatalf("submitted = %d", service.submitted)
	}
}
